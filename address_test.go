package clearway

import (
	"encoding/json"
	"testing"

	"github.com/openclear/clearway/errors"
)

func TestParseAddress(t *testing.T) {
	cases := map[string]struct {
		raw     string
		wantErr *errors.Error
	}{
		"valid lowercase": {
			raw: "0xdb9f293e3898c9e5536a3be1b0c56c89d2b32deb",
		},
		"valid checksum casing": {
			raw: "0xDB9F293e3898c9E5536A3be1b0C56c89d2b32DEb",
		},
		"missing prefix": {
			raw:     "db9f293e3898c9e5536a3be1b0c56c89d2b32deb",
			wantErr: errors.ErrInput,
		},
		"too short": {
			raw:     "0xdb9f",
			wantErr: errors.ErrInput,
		},
		"not hex": {
			raw:     "0xzz9f293e3898c9e5536a3be1b0c56c89d2b32deb",
			wantErr: errors.ErrInput,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			a, err := ParseAddress(tc.raw)
			if tc.wantErr != nil {
				if !tc.wantErr.Is(err) {
					t.Fatalf("want %v, got %+v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("cannot parse: %+v", err)
			}
			if err := a.Validate(); err != nil {
				t.Fatalf("invalid address: %+v", err)
			}
		})
	}
}

func TestAddressEqualsIgnoresCasing(t *testing.T) {
	a := MustParseAddress("0xDB9F293e3898c9E5536A3be1b0C56c89d2b32DEb")
	b := MustParseAddress("0xdb9f293e3898c9e5536a3be1b0c56c89d2b32deb")
	if !a.Equals(b) {
		t.Fatal("checksum and lowercase renderings must be the same account")
	}
}

func TestAddressJSONRoundTrip(t *testing.T) {
	a := MustParseAddress("0xdb9f293e3898c9e5536a3be1b0c56c89d2b32deb")
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %+v", err)
	}
	var b Address
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("unmarshal: %+v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("round trip changed the address: %s != %s", a, b)
	}
}
