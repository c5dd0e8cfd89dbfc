package amount

import (
	"encoding/json"
	"testing"

	"github.com/openclear/clearway/errors"
)

func TestParse(t *testing.T) {
	cases := map[string]struct {
		raw     string
		want    string
		wantErr *errors.Error
	}{
		"zero": {
			raw:  "0",
			want: "0",
		},
		"small": {
			raw:  "10000",
			want: "10000",
		},
		"bigger than int64": {
			raw:  "340282366920938463463374607431768211455",
			want: "340282366920938463463374607431768211455",
		},
		"negative": {
			raw:     "-5",
			wantErr: errors.ErrAmount,
		},
		"empty": {
			raw:     "",
			wantErr: errors.ErrAmount,
		},
		"not a number": {
			raw:     "10k",
			wantErr: errors.ErrAmount,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			a, err := Parse(tc.raw)
			if tc.wantErr != nil {
				if !tc.wantErr.Is(err) {
					t.Fatalf("want %v, got %+v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("cannot parse: %+v", err)
			}
			if got := a.String(); got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSubNeverNegative(t *testing.T) {
	a := MustParse("10")
	b := MustParse("25")

	if _, err := a.Sub(b); !errors.ErrAmount.Is(err) {
		t.Fatalf("subtracting below zero must fail, got %+v", err)
	}

	diff, err := b.Sub(a)
	if err != nil {
		t.Fatalf("cannot subtract: %+v", err)
	}
	if got := diff.String(); got != "15" {
		t.Fatalf("want 15, got %s", got)
	}
}

func TestCompare(t *testing.T) {
	small := MustParse("2000")
	big := MustParse("10000")

	if !big.IsGTE(small) {
		t.Fatal("10000 >= 2000")
	}
	if small.IsGTE(big) {
		t.Fatal("2000 < 10000")
	}
	if !big.IsGTE(big) {
		t.Fatal("an amount is >= itself")
	}
}

func TestSum(t *testing.T) {
	total := Sum(MustParse("1"), MustParse("20"), MustParse("300"))
	if got := total.String(); got != "321" {
		t.Fatalf("want 321, got %s", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := MustParse("123456789123456789123456789")
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %+v", err)
	}
	if string(raw) != `"123456789123456789123456789"` {
		t.Fatalf("amounts must serialize as decimal strings, got %s", raw)
	}
	var b Amount
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("unmarshal: %+v", err)
	}
	if a.Cmp(b) != 0 {
		t.Fatalf("round trip changed the value: %s != %s", a, b)
	}
}
