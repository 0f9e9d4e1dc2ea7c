// Package telemetry is the ambient metrics surface for the coordination
// core: pool size, selection outcomes, breaker state, and tracker scores,
// exported via prometheus/client_golang.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every gauge/counter the coordination core reports.
type Metrics struct {
	PoolSize       prometheus.Gauge
	SelectionTotal *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	TrackerScore   *prometheus.GaugeVec
}

// New registers and returns a fresh Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codex_accounts",
			Name:      "pool_size",
			Help:      "Number of accounts currently in the pool.",
		}),
		SelectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codex_accounts",
			Name:      "selection_total",
			Help:      "Selection engine outcomes by result.",
		}, []string{"outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "codex_accounts",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per target (0=closed, 1=half-open, 2=open).",
		}, []string{"target"}),
		TrackerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "codex_accounts",
			Name:      "tracker_score",
			Help:      "Current health score per quota key.",
		}, []string{"quota_key"}),
	}
	reg.MustRegister(m.PoolSize, m.SelectionTotal, m.BreakerState, m.TrackerScore)
	return m
}

// BreakerStateValue maps a breaker.State name to the gauge's numeric
// encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
