package client

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/crypto"
	"github.com/openclear/clearway/errors"
	"github.com/openclear/clearway/wire"
)

// TransferParams describe a single ledger transfer. Exactly one of
// Destination and DestinationTag must be set.
type TransferParams struct {
	// Destination is the recipient wallet address.
	Destination string
	// DestinationTag is the recipient's clearing-node user tag, an
	// alternative to the address.
	DestinationTag string
	// Asset identifier, e.g. "usdc.test".
	Asset string
	// Amount as a decimal string in the asset's base unit.
	Amount string
}

func (p TransferParams) validate() error {
	if (p.Destination == "") == (p.DestinationTag == "") {
		return errors.ErrInput.New("exactly one of destination and destination tag must be set")
	}
	if p.Asset == "" {
		return errors.ErrInput.New("missing asset")
	}
	if p.Amount == "" {
		return errors.ErrInput.New("missing amount")
	}
	return nil
}

// Transfer moves funds through the clearing-node ledger and returns the
// resulting transaction receipts. Requires an authenticated session; no
// bytes are written to the wire otherwise. Not retried on timeout: whether
// the transfer went through is then unknown and duplicate submission is
// the caller's call.
func (c *Client) Transfer(ctx context.Context, params TransferParams) ([]clearway.TransferTx, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	rpcParams := map[string]interface{}{
		"allocations": []crypto.Allowance{{Asset: params.Asset, Amount: params.Amount}},
	}
	if params.Destination != "" {
		rpcParams["destination"] = params.Destination
	}
	if params.DestinationTag != "" {
		rpcParams["destination_user_tag"] = params.DestinationTag
	}

	payload, err := c.call(ctx, wire.MethodTransfer, rpcParams, wire.MethodTransfer)
	if errors.Timeout(err) {
		// Whether the transfer settled is unknown; blind resubmission
		// risks paying twice.
		return nil, errors.Wrap(err, "transfer unconfirmed")
	}
	if err != nil {
		return nil, errors.Wrap(err, "transfer")
	}
	return DecodeTransactions(payload)
}

// OnTransferNotification subscribes to incoming transfer pushes. The
// handler receives the already-normalized receipts.
func (c *Client) OnTransferNotification(fn func([]clearway.TransferTx)) (func(), error) {
	return c.Notify(wire.MethodTransferNotify, func(payload json.RawMessage) {
		txs, err := DecodeTransactions(payload)
		if err != nil {
			c.log.Warn("dropping unreadable transfer notification", zap.Error(err))
			return
		}
		fn(txs)
	})
}

// DecodeTransactions normalizes the three payload shapes the node uses for
// transfer receipts: a {"transactions": [...]} wrapper, a bare array, or a
// single bare object.
func DecodeTransactions(payload json.RawMessage) ([]clearway.TransferTx, error) {
	var wrapper struct {
		Transactions []clearway.TransferTx `json:"transactions"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Transactions != nil {
		return wrapper.Transactions, nil
	}

	var list []clearway.TransferTx
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}

	var single clearway.TransferTx
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	return []clearway.TransferTx{single}, nil
}
