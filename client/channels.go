package client

import (
	"context"
	"encoding/json"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/errors"
	"github.com/openclear/clearway/wire"
)

// ChannelFixture is the immutable part of a channel returned on creation:
// who participates and under which adjudication parameters.
type ChannelFixture struct {
	Participants []string `json:"participants"`
	Adjudicator  string   `json:"adjudicator"`
	Challenge    int64    `json:"challenge"`
	Nonce        int64    `json:"nonce"`
}

// StateAllocation assigns an amount of a token to a destination within a
// channel state.
type StateAllocation struct {
	Destination string `json:"destination"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
}

// ChannelState is a single signed off-chain state: version counter,
// opaque state data and the allocation table.
type ChannelState struct {
	Intent      int64             `json:"intent"`
	Version     uint64            `json:"version"`
	StateData   string            `json:"state_data"`
	Allocations []StateAllocation `json:"allocations"`
}

// ChannelInfo is the node's answer to create/resize/close channel
// requests: the state it prepared plus its signature over that state,
// ready for on-chain submission.
type ChannelInfo struct {
	ChannelID string `json:"channel_id"`
	// Channel is only present on creation.
	Channel         *ChannelFixture `json:"channel,omitempty"`
	State           ChannelState    `json:"state"`
	ServerSignature string          `json:"server_signature"`
}

// ChannelSummary is one entry of a get_channels listing.
type ChannelSummary struct {
	ChannelID string `json:"channel_id"`
	Status    string `json:"status"`
	Token     string `json:"token"`
	ChainID   int64  `json:"chain_id"`
	// Amount is the total locked in the channel, base units.
	Amount  string `json:"amount"`
	Version uint64 `json:"version"`
}

// CreateChannel asks the node to prepare a new payment channel on the
// given chain for the given token. The returned signed initial state must
// be submitted on-chain to actually anchor the channel.
func (c *Client) CreateChannel(ctx context.Context, chainID int64, token string) (*ChannelInfo, error) {
	payload, err := c.call(ctx, wire.MethodCreateChannel, map[string]interface{}{
		"chain_id": chainID,
		"token":    token,
	}, wire.MethodCreateChannel)
	if err != nil {
		return nil, errors.Wrap(err, "create channel")
	}
	return decodeChannelInfo(payload)
}

// ResizeChannel asks the node for a funding state moving the given amount
// from the caller's free ledger balance into the channel.
func (c *Client) ResizeChannel(ctx context.Context, channelID string, allocate string, fundsDestination clearway.Address) (*ChannelInfo, error) {
	payload, err := c.call(ctx, wire.MethodResizeChannel, map[string]interface{}{
		"channel_id":        channelID,
		"allocate_amount":   json.Number(allocate),
		"funds_destination": fundsDestination.String(),
	}, wire.MethodResizeChannel)
	if err != nil {
		return nil, errors.Wrap(err, "resize channel")
	}
	return decodeChannelInfo(payload)
}

// CloseChannel asks the node for the final signed state. Submitting that
// state on-chain settles the channel and pays out to fundsDestination.
func (c *Client) CloseChannel(ctx context.Context, channelID string, fundsDestination clearway.Address) (*ChannelInfo, error) {
	payload, err := c.call(ctx, wire.MethodCloseChannel, map[string]interface{}{
		"channel_id":        channelID,
		"funds_destination": fundsDestination.String(),
	}, wire.MethodCloseChannel)
	if err != nil {
		return nil, errors.Wrap(err, "close channel")
	}
	return decodeChannelInfo(payload)
}

// GetChannels lists channels involving this account. Status filters to
// "open" or "closed" when non-empty.
func (c *Client) GetChannels(ctx context.Context, status string) ([]ChannelSummary, error) {
	params := map[string]interface{}{
		"participant": c.owner.Address().String(),
	}
	if status != "" {
		params["status"] = status
	}
	payload, err := c.call(ctx, wire.MethodGetChannels, params, wire.MethodGetChannels)
	if err != nil {
		return nil, errors.Wrap(err, "get channels")
	}

	var wrapper struct {
		Channels []ChannelSummary `json:"channels"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Channels != nil {
		return wrapper.Channels, nil
	}
	var list []ChannelSummary
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	return list, nil
}

// OnChannelUpdate subscribes to channel state pushes. The payload is
// forwarded raw: deployments disagree on its exact shape.
func (c *Client) OnChannelUpdate(fn func(json.RawMessage)) (func(), error) {
	return c.Notify(wire.MethodChannelUpdate, fn)
}

func decodeChannelInfo(payload json.RawMessage) (*ChannelInfo, error) {
	var info ChannelInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	if info.ChannelID == "" {
		return nil, errors.ErrMalformed.New("channel info without channel id")
	}
	return &info, nil
}
