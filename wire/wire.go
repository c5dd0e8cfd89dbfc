// Package wire implements the clearing-node JSON envelope encoding. The
// format is dictated by the node and consumed as-is: responses and pushes
// arrive as {"res":[id, method, payload, ts]}, failures either as a
// top-level {"error":{...}} object or as a "error" method envelope.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/openclear/clearway/errors"
)

// Methods spoken by the clearing node. The transfer push method is
// literally "tr", confirmed against the node's RPC enum.
const (
	MethodAuthRequest       = "auth_request"
	MethodAuthChallenge     = "auth_challenge"
	MethodAuthVerify        = "auth_verify"
	MethodTransfer          = "transfer"
	MethodTransferNotify    = "tr"
	MethodCreateChannel     = "create_channel"
	MethodResizeChannel     = "resize_channel"
	MethodCloseChannel      = "close_channel"
	MethodGetChannels       = "get_channels"
	MethodGetConfig         = "get_config"
	MethodAssets            = "assets"
	MethodGetLedgerBalances = "get_ledger_balances"
	MethodBalanceUpdate     = "bu"
	MethodChannelUpdate     = "cu"
	MethodError             = "error"
)

// RPCError is the failure object attached to an error envelope.
type RPCError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	// Some node deployments report the message under "error" instead.
	Alt string `json:"error,omitempty"`
}

func (e *RPCError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Alt
	}
	if msg == "" {
		return fmt.Sprintf("rpc error code %d", e.Code)
	}
	return msg
}

// Envelope is a single parsed inbound frame.
type Envelope struct {
	// ID echoes the request id for direct responses. Zero for pushes.
	ID uint64
	// Method names the event this envelope carries.
	Method string
	// Payload is the raw third element of the res array.
	Payload json.RawMessage
	// Err is set when the frame is an error envelope of either shape.
	// An envelope with Err set must never be dispatched as a named
	// event.
	Err *RPCError
}

// rawFrame matches both envelope shapes the node produces.
type rawFrame struct {
	Res []json.RawMessage `json:"res"`
	Err *RPCError         `json:"error"`
}

// ParseEnvelope decodes a single inbound frame. A frame that is not valid
// JSON or does not follow the envelope contract yields ErrMalformed; the
// transport drops such frames silently rather than failing the connection.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var frame rawFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}

	if frame.Err != nil {
		return &Envelope{Method: MethodError, Err: frame.Err}, nil
	}

	if len(frame.Res) < 2 {
		return nil, errors.ErrMalformed.Newf("res array has %d elements", len(frame.Res))
	}

	var env Envelope
	// The id slot is a number for direct responses but may be absent or
	// null for pushes. Decode failures leave it at zero.
	_ = json.Unmarshal(frame.Res[0], &env.ID)

	if err := json.Unmarshal(frame.Res[1], &env.Method); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, "method is not a string")
	}
	if env.Method == "" {
		return nil, errors.ErrMalformed.New("empty method")
	}

	if len(frame.Res) > 2 {
		env.Payload = frame.Res[2]
	} else {
		env.Payload = json.RawMessage(`{}`)
	}

	// A method-level error ({"res":[id,"error",{...}]}) is distinguished
	// from named events so it is never delivered to an event waiter.
	if env.Method == MethodError {
		var rpcErr RPCError
		if err := json.Unmarshal(env.Payload, &rpcErr); err != nil {
			rpcErr = RPCError{Message: string(env.Payload)}
		}
		env.Err = &rpcErr
	}

	return &env, nil
}
