package clearwaytest

import (
	"bytes"
	"encoding/json"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/crypto"
)

// OwnerSigner is a deterministic stand-in for the opaque owner-key
// capability. It does not produce real wallet signatures; the fake node
// never verifies them.
type OwnerSigner struct {
	Addr clearway.Address
	// Err, when set, makes every signing attempt fail. Exercises the
	// challenge-signing failure branch of the handshake.
	Err error

	// Policies records every policy the signer was asked to sign.
	Policies []crypto.SessionPolicy
}

var _ crypto.TypedDataSigner = (*OwnerSigner)(nil)

// NewOwnerSigner returns a signer acting as the given hex address.
func NewOwnerSigner(addr string) *OwnerSigner {
	return &OwnerSigner{Addr: clearway.MustParseAddress(addr)}
}

// SignPolicy returns the serialized policy as the "signature".
func (s *OwnerSigner) SignPolicy(policy crypto.SessionPolicy) ([]byte, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.Policies = append(s.Policies, policy)
	raw, err := json.Marshal(policy)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Address returns the owner account address.
func (s *OwnerSigner) Address() clearway.Address {
	return s.Addr
}

// SessionKey returns a deterministic session key derived from the given
// byte, for tests that need reproducible addresses.
func SessionKey(seed byte) *crypto.SessionKey {
	return crypto.SessionKeyFromSeed(bytes.Repeat([]byte{seed}, 32))
}
