package clearway

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/openclear/clearway/errors"
)

// AddressLength is the length in bytes of all account addresses.
const AddressLength = 20

// Address is a 20 byte account identifier, rendered as 0x-prefixed hex.
// Addresses compare case-insensitively: the clearing node and the chain do
// not agree on checksum casing, so all comparisons go through Equals.
type Address []byte

// ParseAddress decodes a 0x-prefixed hex representation of an address.
func ParseAddress(s string) (Address, error) {
	raw, ok := strings.CutPrefix(s, "0x")
	if !ok {
		raw, ok = strings.CutPrefix(s, "0X")
	}
	if !ok {
		return nil, errors.ErrInput.Newf("address without 0x prefix: %q", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInput, "address %q: %s", s, err)
	}
	a := Address(b)
	return a, a.Validate()
}

// MustParseAddress is ParseAddress that panics on failure. For use in tests
// and package level declarations only.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Validate ensures the address is well formed.
func (a Address) Validate() error {
	if len(a) != AddressLength {
		return errors.ErrInput.Newf("address must be %d bytes, got %d", AddressLength, len(a))
	}
	return nil
}

// Equals checks if two addresses refer to the same account.
func (a Address) Equals(b Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String returns the canonical lowercase hex representation.
func (a Address) String() string {
	if len(a) == 0 {
		return "(nil)"
	}
	return "0x" + hex.EncodeToString(a)
}

// MarshalJSON renders the address as a hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a 0x-prefixed hex string.
func (a *Address) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return errors.Wrap(errors.ErrMalformed, err.Error())
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// TxID identifies a ledger transfer. Assigned by the clearing node,
// immutable and unique for the lifetime of an account.
type TxID int64

// TransferTx is a receipt of a single ledger transfer as reported by the
// clearing node. Immutable once received.
type TransferTx struct {
	ID             TxID   `json:"id"`
	TxType         string `json:"tx_type,omitempty"`
	FromAccount    string `json:"from_account"`
	ToAccount      string `json:"to_account"`
	FromAccountTag string `json:"from_account_tag,omitempty"`
	ToAccountTag   string `json:"to_account_tag,omitempty"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	CreatedAt      string `json:"created_at,omitempty"`
}
