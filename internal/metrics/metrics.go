// Package metrics defines the Prometheus collectors of the token subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deskauth"

// Metrics groups all collectors. Construct one per process with New and pass
// it to the components that report into it.
type Metrics struct {
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	AdmissionDecisions *prometheus.CounterVec
	ThrottleSignals    *prometheus.CounterVec

	Refreshes        *prometheus.CounterVec
	TokenCacheHits   prometheus.Counter
	TokenCacheMisses prometheus.Counter

	QueueDispatched *prometheus.CounterVec
	QueueDeferred   *prometheus.CounterVec
	QueuePending    prometheus.Gauge
	QueueInFlight   prometheus.Gauge

	CleanupDeleted *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg yields unregistered
// collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"name", "from", "to"}),
		BreakerRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Calls rejected without being attempted because the circuit was open.",
		}, []string{"name"}),
		AdmissionDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Admission decisions by operation and outcome.",
		}, []string{"operation", "decision"}),
		ThrottleSignals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_throttle_signals_total",
			Help:      "Upstream throttling signals observed by operation.",
		}, []string{"operation"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes by outcome.",
		}, []string{"outcome"}),
		TokenCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_hits_total",
			Help:      "In-process access token cache hits.",
		}),
		TokenCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_misses_total",
			Help:      "In-process access token cache misses.",
		}),
		QueueDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dispatched_total",
			Help:      "Queued operations dispatched by type and outcome.",
		}, []string{"type", "outcome"}),
		QueueDeferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deferred_total",
			Help:      "Queued operations deferred by admission control.",
		}, []string{"type", "reason"}),
		QueuePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Pending queued operations.",
		}),
		QueueInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_in_flight",
			Help:      "Queued operations currently being processed.",
		}),
		CleanupDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Rows removed by periodic sweeps.",
		}, []string{"kind"}),
	}
}
