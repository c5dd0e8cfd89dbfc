package crypto

import (
	"bytes"
	"testing"
)

func TestGenSessionKey(t *testing.T) {
	a, err := GenSessionKey()
	if err != nil {
		t.Fatalf("cannot generate: %+v", err)
	}
	b, err := GenSessionKey()
	if err != nil {
		t.Fatalf("cannot generate: %+v", err)
	}
	if a.Address().Equals(b.Address()) {
		t.Fatal("two generated session keys must not share an address")
	}
	if err := a.Address().Validate(); err != nil {
		t.Fatalf("invalid address: %+v", err)
	}
}

func TestSessionKeySignVerify(t *testing.T) {
	key := SessionKeyFromSeed(bytes.Repeat([]byte{7}, 32))

	msg := []byte(`{"req":[1,"transfer",{},1234]}`)
	sig, err := key.Sign(msg)
	if err != nil {
		t.Fatalf("cannot sign: %+v", err)
	}
	if !key.Verify(msg, sig) {
		t.Fatal("signature must verify")
	}
	if key.Verify([]byte("tampered"), sig) {
		t.Fatal("signature must not verify a different message")
	}
}

func TestSessionKeyFromSeedIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{42}, 32)
	a := SessionKeyFromSeed(seed)
	b := SessionKeyFromSeed(seed)
	if !a.Address().Equals(b.Address()) {
		t.Fatal("same seed must derive the same address")
	}
}
