package gateway_test

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/gateway"
)

const (
	merchantAddr = "0x3333333333333333333333333333333333333333"
	buyerAddr    = "0x4444444444444444444444444444444444444444"
)

func newGuard(t *testing.T) *gateway.Guard {
	t.Helper()
	return gateway.NewGuard(gateway.Options{
		Network:      "clearnet-sandbox",
		Receiving:    clearway.MustParseAddress(merchantAddr),
		Asset:        "usdc.test",
		PollInterval: time.Millisecond,
		PollAttempts: 3,
	})
}

func paidTx(id clearway.TxID, amount string) clearway.TransferTx {
	return clearway.TransferTx{
		ID:          id,
		FromAccount: buyerAddr,
		ToAccount:   merchantAddr,
		Asset:       "usdc.test",
		Amount:      amount,
	}
}

func proofHeader(t *testing.T, id clearway.TxID) string {
	t.Helper()
	header, err := gateway.EncodeProof(gateway.Proof{
		Scheme:  gateway.Scheme,
		Payload: gateway.ProofPayload{TransactionID: id},
	})
	require.NoError(t, err)
	return header
}

func requirePayment(g *gateway.Guard, header string) (*clearway.TransferTx, bool, *httptest.ResponseRecorder) {
	r := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if header != "" {
		r.Header.Set(gateway.PaymentHeader, header)
	}
	w := httptest.NewRecorder()
	tx, ok := g.RequirePayment(w, r, gateway.Price{Amount: "100", Description: "premium resource"})
	return tx, ok, w
}

func decode402(t *testing.T, w *httptest.ResponseRecorder) gateway.PaymentRequired {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var body gateway.PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestMissingProofDescribesPayment(t *testing.T) {
	g := newGuard(t)
	tx, ok, w := requirePayment(g, "")
	require.False(t, ok)
	require.Nil(t, tx)

	body := decode402(t, w)
	require.Len(t, body.Accepts, 1)
	req := body.Accepts[0]
	require.Equal(t, gateway.Scheme, req.Scheme)
	require.Equal(t, "clearnet-sandbox", req.Network)
	require.Equal(t, "100", req.MaxAmountRequired)
	require.Equal(t, "/resource", req.Resource)
	require.Equal(t, "premium resource", req.Description)
	require.Equal(t, merchantAddr, req.PayTo)
	require.Equal(t, "usdc.test", req.Asset)
}

func TestMalformedProofIsTerminal(t *testing.T) {
	g := newGuard(t)
	_, ok, w := requirePayment(g, "%%% not base64 %%%")
	require.False(t, ok)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownSchemeIsTerminal(t *testing.T) {
	g := newGuard(t)
	header, err := gateway.EncodeProof(gateway.Proof{
		Scheme:  "on-chain-direct",
		Payload: gateway.ProofPayload{TransactionID: 1},
	})
	require.NoError(t, err)

	_, ok, w := requirePayment(g, header)
	require.False(t, ok)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownTransactionIsPaymentRequired(t *testing.T) {
	g := newGuard(t)
	_, ok, w := requirePayment(g, proofHeader(t, 999))
	require.False(t, ok)
	require.Equal(t, "payment not found", decode402(t, w).Error)
}

func TestPaymentAccepted(t *testing.T) {
	g := newGuard(t)
	g.Observe([]clearway.TransferTx{paidTx(1, "100")})

	tx, ok, w := requirePayment(g, proofHeader(t, 1))
	require.True(t, ok)
	require.Equal(t, clearway.TxID(1), tx.ID)
	require.Equal(t, http.StatusOK, w.Code)

	raw, err := base64.StdEncoding.DecodeString(w.Header().Get(gateway.SettlementHeader))
	require.NoError(t, err)
	var settlement gateway.Settlement
	require.NoError(t, json.Unmarshal(raw, &settlement))
	require.True(t, settlement.Success)
	require.Equal(t, clearway.TxID(1), settlement.Transaction)
	require.Equal(t, buyerAddr, settlement.Payer)
}

func TestOverpaymentAccepted(t *testing.T) {
	g := newGuard(t)
	g.Observe([]clearway.TransferTx{paidTx(2, "250")})

	_, ok, _ := requirePayment(g, proofHeader(t, 2))
	require.True(t, ok)
}

func TestLateNotificationIsAbsorbed(t *testing.T) {
	g := gateway.NewGuard(gateway.Options{
		Network:      "clearnet-sandbox",
		Receiving:    clearway.MustParseAddress(merchantAddr),
		Asset:        "usdc.test",
		PollInterval: 5 * time.Millisecond,
		PollAttempts: 100,
	})

	// The payer's retry beats the node's notification.
	go func() {
		time.Sleep(25 * time.Millisecond)
		g.Observe([]clearway.TransferTx{paidTx(3, "100")})
	}()

	tx, ok, _ := requirePayment(g, proofHeader(t, 3))
	require.True(t, ok)
	require.Equal(t, clearway.TxID(3), tx.ID)
}

func TestValidationUsesNotificationNotClaim(t *testing.T) {
	cases := map[string]struct {
		tx        clearway.TransferTx
		wantError string
	}{
		"wrong asset": {
			tx: clearway.TransferTx{
				ID: 10, FromAccount: buyerAddr, ToAccount: merchantAddr,
				Asset: "weth.test", Amount: "100",
			},
			wantError: "wrong asset",
		},
		"insufficient amount": {
			tx: clearway.TransferTx{
				ID: 11, FromAccount: buyerAddr, ToAccount: merchantAddr,
				Asset: "usdc.test", Amount: "99",
			},
			wantError: "insufficient amount",
		},
		"destination mismatch": {
			tx: clearway.TransferTx{
				ID: 12, FromAccount: buyerAddr, ToAccount: buyerAddr,
				Asset: "usdc.test", Amount: "100",
			},
			wantError: "destination mismatch",
		},
		"unparseable destination": {
			tx: clearway.TransferTx{
				ID: 13, FromAccount: buyerAddr, ToAccount: "carol",
				Asset: "usdc.test", Amount: "100",
			},
			wantError: "destination mismatch",
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			g := newGuard(t)
			g.Observe([]clearway.TransferTx{tc.tx})

			// The proof claims nothing beyond the id; all checks run
			// against the cached notification.
			tx, ok, w := requirePayment(g, proofHeader(t, tc.tx.ID))
			require.False(t, ok)
			require.Nil(t, tx)
			require.Equal(t, tc.wantError, decode402(t, w).Error)
		})
	}
}
