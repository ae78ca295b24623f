// Package metrics provides Prometheus instrumentation for admission
// control components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for admission control components.
type Registry struct {
	// Gateway Metrics
	Decisions      *prometheus.CounterVec
	Exemptions     prometheus.Counter
	BackendLatency prometheus.Histogram

	// Circuit Breaker Metrics
	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec

	// Penalty Metrics
	PenaltyEscalations prometheus.Counter

	// Policy Metrics
	PolicyReloads *prometheus.CounterVec
}

// DefaultRegistry is the default metrics registry used when none is injected.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "gateway",
				Name:      "decisions_total",
				Help:      "Total number of admission decisions by outcome",
			},
			[]string{"outcome"},
		),

		Exemptions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "gateway",
				Name:      "exemptions_total",
				Help:      "Total number of requests admitted via the exemption list",
			},
		),

		BackendLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "admit",
				Subsystem: "store",
				Name:      "backend_latency_seconds",
				Help:      "Time spent in counter store operations",
				Buckets:   prometheus.DefBuckets,
			},
		),

		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "admit",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),

		PenaltyEscalations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "penalty",
				Name:      "escalations_total",
				Help:      "Total number of denials with an escalated retry-after",
			},
		),

		PolicyReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "policy",
				Name:      "reloads_total",
				Help:      "Total number of policy reload attempts by result",
			},
			[]string{"result"},
		),
	}
}
