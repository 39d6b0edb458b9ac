// Package gate decides which weight deltas are worth trading. It suppresses
// churn with a hysteresis band, a per-asset cooldown window and a minimum
// trade notional. Forced risk exits never pass through here; they go straight
// to execution.
package gate

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/telemetry"
)

// Mode selects the gate cadence. Intraday passes use the tight hysteresis
// band, enforce cooldowns and only permit exposure reductions; full-rebalance
// passes use the loose band and ignore cooldowns so the portfolio is always
// reviewed on schedule.
type Mode int

const (
	ModeIntraday Mode = iota
	ModeFull
)

// Order is an approved signed quantity change handed to execution.
type Order struct {
	Asset    string
	DeltaQty float64 // positive buys, negative sells
	Reason   domain.TradeReason
}

// Gate filters weight deltas into executable orders.
type Gate struct {
	cfg     *config.Config
	metrics *telemetry.Metrics
}

// New creates a gate bound to the validated configuration.
func New(cfg *config.Config, metrics *telemetry.Metrics) *Gate {
	return &Gate{cfg: cfg, metrics: metrics}
}

// Plan compares current and target weights and emits orders for the deltas
// worth trading. Assets are processed in ascending ID order; together with
// the sequential fill model this keeps runs byte-reproducible.
func (g *Gate) Plan(state *domain.PortfolioState, target domain.TargetWeights, prices map[string]float64, step int, mode Mode) []Order {
	current := state.CurrentWeights(prices)
	hysteresis := g.cfg.Signals.HysteresisFull
	if mode == ModeIntraday {
		hysteresis = g.cfg.Signals.HysteresisTight
	}

	assets := unionAssets(current, target)
	orders := make([]Order, 0, len(assets))

	for _, asset := range assets {
		price, ok := prices[asset]
		if !ok || price <= 0 {
			continue
		}
		deltaW := target[asset] - current[asset]
		if math.Abs(deltaW) < hysteresis {
			continue
		}
		if mode == ModeIntraday {
			if deltaW > 0 {
				continue // intraday passes only reduce exposure
			}
			if g.onCooldown(state, asset, step) {
				g.metrics.SkippedByGate.Inc()
				log.Debug().Str("asset", asset).Int("step", step).Msg("gate: cooldown")
				continue
			}
		}

		deltaUSD := deltaW * state.Equity
		if math.Abs(deltaUSD) < g.minNotional(asset) {
			g.metrics.SkippedByGate.Inc()
			continue
		}

		deltaQty := deltaUSD / price
		// A zero target closes the position exactly rather than leaving
		// rounding dust behind.
		if target[asset] == 0 {
			if pos, held := state.Positions[asset]; held {
				deltaQty = -pos.Quantity
			}
		}
		if deltaQty == 0 {
			continue
		}
		orders = append(orders, Order{Asset: asset, DeltaQty: deltaQty, Reason: domain.ReasonRebalance})
	}
	return orders
}

func (g *Gate) onCooldown(state *domain.PortfolioState, asset string, step int) bool {
	last, traded := state.LastTrade[asset]
	return traded && step-last < g.cfg.Signals.CooldownSteps
}

func (g *Gate) minNotional(asset string) float64 {
	floor := g.cfg.Exchange.MinOrderUSD
	if a, ok := g.cfg.AssetByID(asset); ok && a.MinNotional > floor {
		floor = a.MinNotional
	}
	return floor
}

func unionAssets(current map[string]float64, target domain.TargetWeights) []string {
	seen := make(map[string]bool, len(current)+len(target))
	for k := range current {
		seen[k] = true
	}
	for k := range target {
		seen[k] = true
	}
	assets := make([]string, 0, len(seen))
	for k := range seen {
		assets = append(assets, k)
	}
	sort.Strings(assets)
	return assets
}
