package crypto

import (
	"crypto/rand"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/errors"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

var _ Signer = (*SessionKey)(nil)

// SessionKey is an ephemeral keypair used to sign operational messages for
// the lifetime of a single connection. It is generated fresh per connect
// and never persisted.
type SessionKey struct {
	priv ed25519.PrivateKey
	addr clearway.Address
}

// GenSessionKey returns a random new session keypair.
func GenSessionKey() (*SessionKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrHuman, err.Error())
	}
	return &SessionKey{
		priv: priv,
		addr: addressFromPubKey(pub),
	}, nil
}

// SessionKeyFromSeed deterministically derives a session keypair from a
// 32 byte seed. Use only in tests, where reproducible keys are wanted.
func SessionKeyFromSeed(seed []byte) *SessionKey {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &SessionKey{
		priv: priv,
		addr: addressFromPubKey(pub),
	}
}

// Sign returns an ed25519 signature over the message.
func (k *SessionKey) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, message), nil
}

// Address returns the address derived from the session public key.
func (k *SessionKey) Address() clearway.Address {
	return k.addr
}

// Verify reports whether sig is a valid signature of message under the
// session public key.
func (k *SessionKey) Verify(message, sig []byte) bool {
	return ed25519.Verify(k.priv.Public().(ed25519.PublicKey), message, sig)
}

// addressFromPubKey derives an account address as the last 20 bytes of the
// sha3-256 digest of the public key.
func addressFromPubKey(pub ed25519.PublicKey) clearway.Address {
	digest := sha3.Sum256(pub)
	return clearway.Address(digest[len(digest)-clearway.AddressLength:])
}
