package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/openclear/clearway/crypto"
	"github.com/openclear/clearway/errors"
)

func TestParseEnvelope(t *testing.T) {
	cases := map[string]struct {
		raw        string
		wantErr    *errors.Error
		wantID     uint64
		wantMethod string
		wantRPCErr bool
	}{
		"direct response": {
			raw:        `{"res":[42,"transfer",{"transactions":[]},1700000000000]}`,
			wantID:     42,
			wantMethod: MethodTransfer,
		},
		"push without id": {
			raw:        `{"res":[0,"tr",{"transactions":[{"id":7}]}]}`,
			wantMethod: MethodTransferNotify,
		},
		"payload missing defaults to empty object": {
			raw:        `{"res":[3,"auth_verify"]}`,
			wantID:     3,
			wantMethod: MethodAuthVerify,
		},
		"top level error": {
			raw:        `{"error":{"code":401,"message":"bad signature"}}`,
			wantMethod: MethodError,
			wantRPCErr: true,
		},
		"method level error": {
			raw:        `{"res":[9,"error",{"error":"an open channel already exists"}]}`,
			wantID:     9,
			wantMethod: MethodError,
			wantRPCErr: true,
		},
		"not json": {
			raw:     `ping`,
			wantErr: errors.ErrMalformed,
		},
		"res too short": {
			raw:     `{"res":[1]}`,
			wantErr: errors.ErrMalformed,
		},
		"method not a string": {
			raw:     `{"res":[1,2,{}]}`,
			wantErr: errors.ErrMalformed,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tc.raw))
			if tc.wantErr != nil {
				if !tc.wantErr.Is(err) {
					t.Fatalf("want %v, got %+v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("cannot parse: %+v", err)
			}
			if env.ID != tc.wantID {
				t.Fatalf("want id %d, got %d", tc.wantID, env.ID)
			}
			if env.Method != tc.wantMethod {
				t.Fatalf("want method %q, got %q", tc.wantMethod, env.Method)
			}
			if (env.Err != nil) != tc.wantRPCErr {
				t.Fatalf("want rpc error %v, got %+v", tc.wantRPCErr, env.Err)
			}
			if env.Payload == nil {
				t.Fatal("payload must never be nil")
			}
		})
	}
}

func TestRPCErrorMessageFallback(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"res":[1,"error",{"error":"boom"}]}`))
	if err != nil {
		t.Fatalf("cannot parse: %+v", err)
	}
	if got := env.Err.Error(); got != "boom" {
		t.Fatalf(`want "boom", got %q`, got)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest(7, MethodTransfer, map[string]string{"asset": "usd"})
	key := crypto.SessionKeyFromSeed(bytes.Repeat([]byte{1}, 32))
	if err := req.Sign(key); err != nil {
		t.Fatalf("cannot sign: %+v", err)
	}

	raw, err := req.Marshal()
	if err != nil {
		t.Fatalf("cannot marshal: %+v", err)
	}

	var frame struct {
		Req []json.RawMessage `json:"req"`
		Sig []string          `json:"sig"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame is not valid JSON: %s", err)
	}
	if len(frame.Req) != 4 {
		t.Fatalf("req array must have 4 elements, got %d", len(frame.Req))
	}
	if len(frame.Sig) != 1 {
		t.Fatalf("want one signature, got %d", len(frame.Sig))
	}

	var id uint64
	if err := json.Unmarshal(frame.Req[0], &id); err != nil || id != 7 {
		t.Fatalf("want id 7, got %s", frame.Req[0])
	}
	var method string
	if err := json.Unmarshal(frame.Req[1], &method); err != nil || method != MethodTransfer {
		t.Fatalf("want method transfer, got %s", frame.Req[1])
	}
}

func TestUnsignedRequestHasNoSig(t *testing.T) {
	raw, err := NewRequest(1, MethodAuthRequest, nil).Marshal()
	if err != nil {
		t.Fatalf("cannot marshal: %+v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame is not valid JSON: %s", err)
	}
	if _, ok := frame["sig"]; ok {
		t.Fatal("unsigned request must not carry a sig field")
	}
}
