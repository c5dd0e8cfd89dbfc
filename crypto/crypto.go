package crypto

import (
	"github.com/openclear/clearway"
)

// Signer can authorize a raw message. Operational traffic to the clearing
// node is signed with an ephemeral session key so the owner key is not
// prompted for every request.
type Signer interface {
	// Sign returns a signature over the given message.
	Sign(message []byte) ([]byte, error)
	// Address returns the account address this signer acts as.
	Address() clearway.Address
}

// TypedDataSigner authorizes the session key with the owner's key during
// the authentication handshake. Implementations wrap an external wallet or
// key store; this package never holds the owner key itself.
type TypedDataSigner interface {
	// SignPolicy signs the structured session policy (owner address,
	// session key, expiry, allowances, server challenge).
	SignPolicy(policy SessionPolicy) ([]byte, error)
	// Address returns the owner account address.
	Address() clearway.Address
}

// Allowance caps what a session key may spend in a single asset.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// SessionPolicy is the structured message the owner signs to authorize an
// ephemeral session key. The challenge is supplied by the clearing node.
type SessionPolicy struct {
	Challenge  string           `json:"challenge"`
	Scope      string           `json:"scope"`
	Wallet     clearway.Address `json:"wallet"`
	SessionKey clearway.Address `json:"session_key"`
	ExpiresAt  int64            `json:"expires_at"`
	Allowances []Allowance      `json:"allowances"`
}
