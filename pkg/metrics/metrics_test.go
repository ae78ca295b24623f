package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.Decisions.WithLabelValues("allowed").Inc()
	m.Decisions.WithLabelValues("denied").Add(2)
	m.Exemptions.Inc()
	m.BreakerState.Set(1)
	m.BreakerTransitions.WithLabelValues("closed", "open").Inc()
	m.PenaltyEscalations.Inc()
	m.PolicyReloads.WithLabelValues("applied").Inc()
	m.BackendLatency.Observe(0.004)

	if got := promtest.ToFloat64(m.Decisions.WithLabelValues("denied")); got != 2 {
		t.Errorf("denied decisions = %v, want 2", got)
	}
	if got := promtest.ToFloat64(m.BreakerState); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}

	// All instruments registered against the supplied registerer.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
}

func TestDefaultRegistry(t *testing.T) {
	if DefaultRegistry == nil {
		t.Fatal("DefaultRegistry not initialized")
	}
}
