package gateway

import (
	"encoding/base64"
	"encoding/json"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/errors"
)

// Header names of the payment exchange.
const (
	// PaymentHeader carries the payer's base64-encoded proof.
	PaymentHeader = "X-Payment"
	// SettlementHeader echoes proof of settlement back to the payer.
	SettlementHeader = "X-Payment-Response"
)

// Scheme is the one payment scheme this gateway understands: an off-chain
// ledger transfer through the clearing node.
const Scheme = "clearway-transfer"

// ProtocolVersion is the version of the payment-required exchange.
const ProtocolVersion = 1

// Requirement tells a payer how to pay for one resource. Serialized inside
// the 402 response body.
type Requirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	PayTo             string            `json:"payTo"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body.
type PaymentRequired struct {
	Version int           `json:"x402Version"`
	Error   string        `json:"error,omitempty"`
	Accepts []Requirement `json:"accepts"`
}

// ProofPayload is the payer's claim about a settled transfer. Claims are
// never trusted: everything except the transaction id is re-validated
// against the clearing node's own notification.
type ProofPayload struct {
	TransactionID clearway.TxID `json:"transactionId"`
	FromAccount   string        `json:"fromAccount"`
	ToAccount     string        `json:"toAccount"`
	Asset         string        `json:"asset"`
	Amount        string        `json:"amount"`
}

// Proof is the decoded payment header.
type Proof struct {
	Scheme  string       `json:"scheme"`
	Payload ProofPayload `json:"payload"`
}

// DecodeProof decodes a payment header value: base64 over JSON. A header
// that does not decode is a terminal client error, not a retry candidate.
func DecodeProof(header string) (*Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	if proof.Payload.TransactionID == 0 {
		return nil, errors.ErrMalformed.New("proof without a transaction id")
	}
	return &proof, nil
}

// EncodeProof renders a proof as a payment header value. The buyer side of
// DecodeProof.
func EncodeProof(proof Proof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", errors.Wrap(errors.ErrInput, err.Error())
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Settlement is the SettlementHeader body confirming a served payment.
type Settlement struct {
	Success     bool          `json:"success"`
	Transaction clearway.TxID `json:"transaction"`
	Network     string        `json:"network"`
	Payer       string        `json:"payer,omitempty"`
}
