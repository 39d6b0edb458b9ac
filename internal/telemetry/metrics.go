// Package telemetry counts the engine's non-fatal conditions so a run can be
// audited without scraping logs. Each run owns a private registry; nothing is
// registered globally, which keeps repeated runs in one process independent.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the observable non-fatal condition counters.
type Metrics struct {
	registry *prometheus.Registry

	InsufficientData prometheus.Counter
	StaleScores      prometheus.Counter
	ClampedOrders    prometheus.Counter
	SkippedByGate    prometheus.Counter
	StopExits        prometheus.Counter
	MaxLossExits     prometheus.Counter
	DrawdownScaling  *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		InsufficientData: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_insufficient_data_total",
			Help: "Assets excluded from a step for lacking minimum bar history",
		}),
		StaleScores: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_stale_scores_total",
			Help: "Assets excluded from selection due to missing or stale oracle scores",
		}),
		ClampedOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_clamped_orders_total",
			Help: "Orders reduced to the feasible maximum (cash or held quantity)",
		}),
		SkippedByGate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_gate_skips_total",
			Help: "Weight deltas suppressed by hysteresis, cooldown or minimum notional",
		}),
		StopExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_stop_exits_total",
			Help: "Forced position exits from ATR stop levels",
		}),
		MaxLossExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_max_loss_exits_total",
			Help: "Forced position exits from the per-position max-loss cap",
		}),
		DrawdownScaling: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_drawdown_scaling_total",
			Help: "Steps on which target exposure was scaled by the drawdown overlay",
		}, []string{"tier"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_trades_total",
			Help: "Executed fills by side",
		}, []string{"side"}),
	}
	reg.MustRegister(
		m.InsufficientData, m.StaleScores, m.ClampedOrders, m.SkippedByGate,
		m.StopExits, m.MaxLossExits, m.DrawdownScaling, m.TradesExecuted,
	)
	return m
}

// Registry exposes the run-private registry for gathering or serving.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Snapshot gathers current counter values into a flat map, used by the
// report writer at the end of a run.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			name := fam.GetName()
			for _, lbl := range metric.GetLabel() {
				name += "_" + lbl.GetValue()
			}
			if c := metric.GetCounter(); c != nil {
				out[name] = c.GetValue()
			}
		}
	}
	return out
}
