package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts payment outcomes. Create one per Guard; a nil registerer
// leaves the collectors unregistered, which tests rely on.
type Metrics struct {
	Confirmed prometheus.Counter
	Rejected  *prometheus.CounterVec
	Evictions prometheus.Counter
}

// Rejection reasons used as the "reason" label value.
const (
	ReasonMalformed   = "malformed"
	ReasonScheme      = "scheme"
	ReasonNotFound    = "not_found"
	ReasonAsset       = "wrong_asset"
	ReasonAmount      = "insufficient_amount"
	ReasonDestination = "destination_mismatch"
)

// NewMetrics creates and, when reg is not nil, registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Confirmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clearway",
			Subsystem: "gateway",
			Name:      "payments_confirmed_total",
			Help:      "Payments accepted and resources served.",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearway",
			Subsystem: "gateway",
			Name:      "payments_rejected_total",
			Help:      "Payments rejected, by reason.",
		}, []string{"reason"}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clearway",
			Subsystem: "gateway",
			Name:      "cache_evictions_total",
			Help:      "Transfer notifications dropped from the cache after the retry window.",
		}),
	}
}
