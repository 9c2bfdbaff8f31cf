// Package telemetry defines the gateway's Prometheus metrics.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tokengate"

var (
	// TokenValidationsTotal counts inbound token validations by outcome.
	TokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Total number of inbound token validations, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// JWKSFetchesTotal counts upstream JWKS document fetches.
	JWKSFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetches_total",
			Help:      "Total number of JWKS document fetches from the identity provider.",
		},
		[]string{"outcome"},
	)

	// ExchangesTotal counts on-behalf-of exchanges against the identity provider.
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "obo_exchanges_total",
			Help:      "Total number of on-behalf-of exchanges, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// ExchangeCacheTotal counts exchanged-token cache lookups.
	ExchangeCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "obo_token_cache_total",
			Help:      "Total number of exchanged-token cache lookups, labeled by result.",
		},
		[]string{"result"},
	)

	// AuthorizationDenialsTotal counts denied same-user authorization checks.
	AuthorizationDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_denials_total",
			Help:      "Total number of denied cross-user authorization attempts.",
		},
	)

	// DelegationDurationSeconds measures the full delegation pipeline latency.
	DelegationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delegation_duration_seconds",
			Help:      "End-to-end latency of delegated requests (seconds).",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)
)

// Outcome label values shared across metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"

	CacheHit  = "hit"
	CacheMiss = "miss"
)

func init() {
	prometheus.MustRegister(
		TokenValidationsTotal,
		JWKSFetchesTotal,
		ExchangesTotal,
		ExchangeCacheTotal,
		AuthorizationDenialsTotal,
		DelegationDurationSeconds,
	)
}
