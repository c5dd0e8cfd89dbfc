package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/amount"
)

const (
	// DefaultPollInterval and DefaultPollAttempts bound the wait for the
	// clearing node's notification of a transfer the payer already claims.
	// Roughly ten seconds total: the payer's HTTP retry routinely beats
	// the node's push.
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPollAttempts = 100
)

// Options configure a Guard.
type Options struct {
	// Network names the clearing environment in requirements and
	// settlement headers, e.g. "clearnet-sandbox".
	Network string
	// Receiving is the merchant address payments must arrive at.
	Receiving clearway.Address
	// Asset payments must be denominated in, e.g. "usdc.test".
	Asset string
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// PollAttempts defaults to DefaultPollAttempts.
	PollAttempts int
	// CacheWindow defaults to DefaultCacheWindow.
	CacheWindow time.Duration
	// Metrics defaults to unregistered collectors.
	Metrics *Metrics
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Price is the per-resource payment demand.
type Price struct {
	// Amount in the asset's base unit, as a decimal string.
	Amount string
	// Description shown to the payer in the 402 body.
	Description string
}

// Guard admits HTTP requests that paid for the resource they target. It
// owns the notification cache; feed it via Observe.
type Guard struct {
	opts    Options
	cache   *Cache
	metrics *Metrics
	log     *zap.Logger
}

// NewGuard returns a guard with an empty notification cache.
func NewGuard(opts Options) *Guard {
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollAttempts == 0 {
		opts.PollAttempts = DefaultPollAttempts
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	g := &Guard{
		opts:    opts,
		cache:   NewCache(opts.CacheWindow),
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	g.cache.onEvict = func(n int) {
		g.metrics.Evictions.Add(float64(n))
	}
	return g
}

// Observe feeds transfer notifications into the cache. Wire it to the
// client's transfer notification subscription.
func (g *Guard) Observe(txs []clearway.TransferTx) {
	for _, tx := range txs {
		g.cache.Put(tx)
	}
}

// RequirePayment admits or rejects one request. When it returns ok the
// caller serves the resource; the settlement header is already set. When
// it returns !ok the response has been written and the caller must stop.
func (g *Guard) RequirePayment(w http.ResponseWriter, r *http.Request, price Price) (*clearway.TransferTx, bool) {
	header := r.Header.Get(PaymentHeader)
	if header == "" {
		g.write402(w, r, price, "payment required")
		return nil, false
	}

	proof, err := DecodeProof(header)
	if err != nil {
		g.metrics.Rejected.WithLabelValues(ReasonMalformed).Inc()
		http.Error(w, "malformed payment header", http.StatusBadRequest)
		return nil, false
	}
	if proof.Scheme != Scheme {
		g.metrics.Rejected.WithLabelValues(ReasonScheme).Inc()
		http.Error(w, "unsupported payment scheme", http.StatusBadRequest)
		return nil, false
	}

	tx, ok := g.awaitNotification(r, proof.Payload.TransactionID)
	if !ok {
		g.metrics.Rejected.WithLabelValues(ReasonNotFound).Inc()
		g.write402(w, r, price, "payment not found")
		return nil, false
	}

	// Validate against the node's own notification, never the claim.
	if !strings.EqualFold(tx.Asset, g.opts.Asset) {
		g.metrics.Rejected.WithLabelValues(ReasonAsset).Inc()
		g.write402(w, r, price, "wrong asset")
		return nil, false
	}
	paid, err := amount.Parse(tx.Amount)
	if err != nil {
		g.metrics.Rejected.WithLabelValues(ReasonAmount).Inc()
		g.write402(w, r, price, "invalid amount")
		return nil, false
	}
	required, err := amount.Parse(price.Amount)
	if err != nil {
		// A misconfigured route, not a payer mistake.
		g.log.Error("unparseable route price", zap.String("price", price.Amount), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if !paid.IsGTE(required) {
		g.metrics.Rejected.WithLabelValues(ReasonAmount).Inc()
		g.write402(w, r, price, "insufficient amount")
		return nil, false
	}
	dest, err := clearway.ParseAddress(tx.ToAccount)
	if err != nil || !dest.Equals(g.opts.Receiving) {
		g.metrics.Rejected.WithLabelValues(ReasonDestination).Inc()
		g.write402(w, r, price, "destination mismatch")
		return nil, false
	}

	g.metrics.Confirmed.Inc()
	g.setSettlement(w, &tx)
	g.log.Info("payment accepted",
		zap.Int64("tx", int64(tx.ID)),
		zap.String("amount", tx.Amount),
		zap.String("resource", r.URL.Path),
	)
	return &tx, true
}

// awaitNotification polls the cache until the transfer notification
// arrives, the attempts run out, or the request is abandoned.
func (g *Guard) awaitNotification(r *http.Request, id clearway.TxID) (clearway.TransferTx, bool) {
	for attempt := 0; attempt < g.opts.PollAttempts; attempt++ {
		if tx, ok := g.cache.Get(id); ok {
			return tx, true
		}
		select {
		case <-time.After(g.opts.PollInterval):
		case <-r.Context().Done():
			return clearway.TransferTx{}, false
		}
	}
	tx, ok := g.cache.Get(id)
	return tx, ok
}

func (g *Guard) write402(w http.ResponseWriter, r *http.Request, price Price, reason string) {
	body := PaymentRequired{
		Version: ProtocolVersion,
		Error:   reason,
		Accepts: []Requirement{{
			Scheme:            Scheme,
			Network:           g.opts.Network,
			MaxAmountRequired: price.Amount,
			Resource:          r.URL.Path,
			Description:       price.Description,
			PayTo:             g.opts.Receiving.String(),
			Asset:             g.opts.Asset,
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.log.Warn("writing 402 body", zap.Error(err))
	}
}

func (g *Guard) setSettlement(w http.ResponseWriter, tx *clearway.TransferTx) {
	raw, err := json.Marshal(Settlement{
		Success:     true,
		Transaction: tx.ID,
		Network:     g.opts.Network,
		Payer:       tx.FromAccount,
	})
	if err != nil {
		g.log.Warn("encoding settlement header", zap.Error(err))
		return
	}
	w.Header().Set(SettlementHeader, base64.StdEncoding.EncodeToString(raw))
}
