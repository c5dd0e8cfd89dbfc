package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openclear/clearway/errors"
	"github.com/openclear/clearway/wire"
)

// Asset describes one token the clearing node supports.
type Asset struct {
	Token    string `json:"token"`
	ChainID  int64  `json:"chain_id"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// LedgerBalance is one entry of the free (unallocated) ledger balance.
type LedgerBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// GetConfig fetches the node configuration document raw; deployments do
// not agree on its shape beyond the assets list, for which GetAssets
// exists.
func (c *Client) GetConfig(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, wire.MethodGetConfig, nil, wire.MethodGetConfig)
}

// GetAssets fetches the assets the node supports. The get_config request
// fires two responses; the "assets" one carries the list, the trailing
// "get_config" envelope is left to subscribers.
func (c *Client) GetAssets(ctx context.Context) ([]Asset, error) {
	payload, err := c.call(ctx, wire.MethodGetConfig, nil, wire.MethodAssets)
	if err != nil {
		return nil, errors.Wrap(err, "get assets")
	}

	var wrapper struct {
		Assets []Asset `json:"assets"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Assets != nil {
		return wrapper.Assets, nil
	}
	var list []Asset
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	return list, nil
}

// OnBalanceUpdate subscribes to ledger balance pushes.
func (c *Client) OnBalanceUpdate(fn func(json.RawMessage)) (func(), error) {
	return c.Notify(wire.MethodBalanceUpdate, fn)
}

// GetLedgerBalances fetches the free ledger balance of this account: the
// funds available for transfers and for channel funding.
func (c *Client) GetLedgerBalances(ctx context.Context) ([]LedgerBalance, error) {
	payload, err := c.call(ctx, wire.MethodGetLedgerBalances, map[string]interface{}{
		"account":   c.owner.Address().String(),
		"timestamp": time.Now().UnixMilli(),
	}, wire.MethodGetLedgerBalances)
	if err != nil {
		return nil, errors.Wrap(err, "get ledger balances")
	}

	var wrapper struct {
		Balances []LedgerBalance `json:"balances"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Balances != nil {
		return wrapper.Balances, nil
	}
	var list []LedgerBalance
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	return list, nil
}
