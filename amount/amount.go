package amount

import (
	"encoding/json"
	"math/big"

	"github.com/openclear/clearway/errors"
)

// Amount is a non-negative quantity of an asset expressed in the asset's
// base unit. The clearing node moves value as decimal strings of arbitrary
// size, so arithmetic is done on big integers rather than int64.
//
// The zero value is a valid zero amount.
type Amount struct {
	i big.Int
}

// New returns an amount holding the given base unit value.
func New(value int64) (Amount, error) {
	if value < 0 {
		return Amount{}, errors.ErrAmount.Newf("negative value: %d", value)
	}
	var a Amount
	a.i.SetInt64(value)
	return a, nil
}

// Parse decodes a base-10 string into an amount.
func Parse(s string) (Amount, error) {
	if s == "" {
		return Amount{}, errors.ErrAmount.New("empty value")
	}
	var a Amount
	if _, ok := a.i.SetString(s, 10); !ok {
		return Amount{}, errors.ErrAmount.Newf("cannot parse %q", s)
	}
	if a.i.Sign() < 0 {
		return Amount{}, errors.ErrAmount.Newf("negative value: %s", s)
	}
	return a, nil
}

// MustParse is Parse that panics on failure. For use in tests and package
// level declarations only.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Add returns the sum of two amounts.
func (a Amount) Add(b Amount) Amount {
	var sum Amount
	sum.i.Add(&a.i, &b.i)
	return sum
}

// Sub returns a minus b. Because amounts are never negative, subtracting
// more than is available is an error.
func (a Amount) Sub(b Amount) (Amount, error) {
	var diff Amount
	diff.i.Sub(&a.i, &b.i)
	if diff.i.Sign() < 0 {
		return Amount{}, errors.ErrAmount.Newf("cannot subtract %s from %s", b, a)
	}
	return diff, nil
}

// Cmp compares two amounts, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	return a.i.Cmp(&b.i)
}

// IsZero returns true for an amount of zero base units.
func (a Amount) IsZero() bool {
	return a.i.Sign() == 0
}

// IsGTE returns true if a is greater than or equal to b.
func (a Amount) IsGTE(b Amount) bool {
	return a.Cmp(b) >= 0
}

// String renders the amount as a base-10 string of base units.
func (a Amount) String() string {
	return a.i.String()
}

// MarshalJSON renders the amount as a decimal string, matching the wire
// representation used by the clearing node.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string.
func (a *Amount) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return errors.Wrap(errors.ErrMalformed, err.Error())
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds up all given amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
