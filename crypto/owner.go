package crypto

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/errors"
)

var _ TypedDataSigner = (*KeySigner)(nil)

// KeySigner authorizes session keys with a locally held ed25519 key. Meant
// for services and tooling that own their account key outright; interactive
// wallets implement TypedDataSigner behind their own prompt instead.
type KeySigner struct {
	key *SessionKey
}

// NewKeySigner derives the owner key from a 32 byte hex seed, with or
// without a 0x prefix.
func NewKeySigner(seedHex string) (*KeySigner, error) {
	raw, _ := strings.CutPrefix(seedHex, "0x")
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInput, "owner seed: %s", err)
	}
	if len(seed) != 32 {
		return nil, errors.ErrInput.Newf("owner seed must be 32 bytes, got %d", len(seed))
	}
	return &KeySigner{key: SessionKeyFromSeed(seed)}, nil
}

// SignPolicy signs the sha3 digest of the canonical policy serialization.
func (s *KeySigner) SignPolicy(policy SessionPolicy) ([]byte, error) {
	raw, err := json.Marshal(policy)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInput, err.Error())
	}
	digest := sha3.Sum256(raw)
	return s.key.Sign(digest[:])
}

// Address returns the owner account address.
func (s *KeySigner) Address() clearway.Address {
	return s.key.Address()
}
