package wire

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/openclear/clearway/crypto"
	"github.com/openclear/clearway/errors"
)

// Request is a single outbound RPC call:
// {"req":[id, method, params, ts], "sig":["0x..."]}.
// The signature covers the serialized req array.
type Request struct {
	ID     uint64
	Method string
	Params interface{}
	// Timestamp in milliseconds. Filled by NewRequest.
	Timestamp int64

	sig []byte
}

// NewRequest builds an unsigned request with the current timestamp.
func NewRequest(id uint64, method string, params interface{}) *Request {
	if params == nil {
		params = struct{}{}
	}
	return &Request{
		ID:        id,
		Method:    method,
		Params:    params,
		Timestamp: time.Now().UnixMilli(),
	}
}

// body serializes the req array, which is both the wire payload and the
// message the session key signs.
func (r *Request) body() ([]byte, error) {
	raw, err := json.Marshal([]interface{}{r.ID, r.Method, r.Params, r.Timestamp})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInput, err.Error())
	}
	return raw, nil
}

// Sign authorizes the request with the given signer. Must be called before
// Marshal for any operational method; the initial auth_request is the only
// unsigned call.
func (r *Request) Sign(signer crypto.Signer) error {
	raw, err := r.body()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(raw)
	if err != nil {
		return errors.Wrap(errors.ErrUnauthorized, err.Error())
	}
	r.sig = sig
	return nil
}

// Marshal renders the full frame ready to write to the socket.
func (r *Request) Marshal() ([]byte, error) {
	body, err := r.body()
	if err != nil {
		return nil, err
	}

	frame := struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig,omitempty"`
	}{
		Req: body,
	}
	if r.sig != nil {
		frame.Sig = []string{"0x" + hex.EncodeToString(r.sig)}
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInput, err.Error())
	}
	return raw, nil
}
