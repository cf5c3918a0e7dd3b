package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"loyalty-backend/apperr"
)

// Prometheus metrics for the ledger and the redemption flows
var (
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_entries_total",
			Help: "Total number of ledger entries written, by category",
		},
		[]string{"category"},
	)

	LedgerPointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_points_total",
			Help: "Absolute points moved by ledger entries, by category",
		},
		[]string{"category"},
	)

	TokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_validations_total",
			Help: "Total number of QR token validations, by context kind and result",
		},
		[]string{"kind", "result"},
	)

	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Total number of newly persisted QR tokens, by context kind",
		},
		[]string{"kind"},
	)

	RedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redemptions_total",
			Help: "Total number of redemption attempts, by flow and outcome",
		},
		[]string{"flow", "outcome"},
	)

	RedemptionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redemption_duration_seconds",
			Help:    "Duration of redemption attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flow"},
	)
)

// Register registers all metrics with the default registry.
func Register() {
	prometheus.MustRegister(LedgerEntriesTotal)
	prometheus.MustRegister(LedgerPointsTotal)
	prometheus.MustRegister(TokenValidationsTotal)
	prometheus.MustRegister(TokensIssuedTotal)
	prometheus.MustRegister(RedemptionsTotal)
	prometheus.MustRegister(RedemptionDuration)
}

// Outcome maps an error to a low-cardinality outcome label.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
