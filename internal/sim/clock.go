// Package sim drives the rebalancing engine across a time-ordered bar
// sequence at two cadences: risk checks every step, full rebalances on the
// configured schedule. The loop is strictly sequential and single-threaded;
// PortfolioState is mutated only through the execution simulator, and all
// per-asset processing is ordered (sells by ascending asset ID, then buys by
// ascending asset ID) so identical inputs produce byte-identical output.
package sim

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/execsim"
	"github.com/quantbench/rebalancer/internal/features"
	"github.com/quantbench/rebalancer/internal/feed"
	"github.com/quantbench/rebalancer/internal/gate"
	"github.com/quantbench/rebalancer/internal/oracle"
	"github.com/quantbench/rebalancer/internal/regime"
	"github.com/quantbench/rebalancer/internal/risk"
	"github.com/quantbench/rebalancer/internal/telemetry"
	"github.com/quantbench/rebalancer/internal/weights"
)

// Result is the complete audit trail of one run.
type Result struct {
	Trades   []domain.Trade
	Equity   []domain.EquityPoint
	Final    *domain.PortfolioState
	Regimes  []domain.RegimeState // one entry per full rebalance
	Counters map[string]float64
}

// Clock wires the pipeline components and runs the step loop.
type Clock struct {
	cfg      *config.Config
	metrics  *telemetry.Metrics
	feats    *features.Engine
	builder  *weights.Builder
	gate     *gate.Gate
	overlay  *risk.Overlay
	exec     *execsim.Simulator
	oracle   oracle.Oracle
	schedule cron.Schedule

	lastDDTier risk.DrawdownTier
	// lastTarget is the target vector from the most recent full rebalance,
	// reused by the tight intraday gate passes between rebalances.
	lastTarget domain.TargetWeights
}

// New assembles a clock from a validated configuration, the shared feature
// engine and an oracle. The feature engine is injected rather than owned so
// a feature-driven oracle can observe the same history the clock accumulates.
func New(cfg *config.Config, feats *features.Engine, orc oracle.Oracle, metrics *telemetry.Metrics) (*Clock, error) {
	schedule, err := cron.ParseStandard(cfg.Scheduling.RebalanceCron)
	if err != nil {
		return nil, err // unreachable after config validation
	}
	return &Clock{
		cfg:        cfg,
		metrics:    metrics,
		feats:      feats,
		builder:    weights.NewBuilder(cfg),
		gate:       gate.New(cfg, metrics),
		overlay:    risk.NewOverlay(cfg, metrics),
		exec:       execsim.New(cfg, metrics),
		oracle:     orc,
		schedule:   schedule,
		lastDDTier: risk.TierNone,
	}, nil
}

// Run consumes the feed to exhaustion, mutating state through the execution
// simulator only. Cancelling ctx stops between steps; a step never completes
// partially.
func (c *Clock) Run(ctx context.Context, f feed.Feed, state *domain.PortfolioState) (*Result, error) {
	result := &Result{Final: state}
	prices := make(map[string]float64)
	var nextRebalance time.Time

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			log.Warn().Int("step", step).Msg("run cancelled")
			return result, err
		}
		st, ok := f.Next()
		if !ok {
			break
		}

		// Ingest bars; prices carry forward for assets without a bar at
		// this timestamp so marking stays complete.
		for _, assetID := range sortedBarAssets(st.Bars) {
			c.feats.Append(assetID, st.Bars[assetID])
			prices[assetID] = st.Bars[assetID].Close
		}

		state.MarkToMarket(prices)
		result.Equity = append(result.Equity, domain.EquityPoint{
			Timestamp: st.Timestamp,
			Equity:    state.Equity,
			Drawdown:  state.Drawdown(),
		})

		if nextRebalance.IsZero() {
			nextRebalance = c.schedule.Next(st.Timestamp.Add(-time.Second))
		}

		// Risk overlay runs every step.
		feats := c.assetFeatures()
		vol := regime.Classify(c.feats.Market(), c.cfg).Vol
		c.overlay.UpdateStops(state, feats, vol)
		if trades := c.forceExits(state, prices, st.Timestamp, step); len(trades) > 0 {
			result.Trades = append(result.Trades, trades...)
			state.MarkToMarket(prices)
		}

		// Intraday cadence: drawdown response plus a tight, sell-only gate
		// pass toward the last rebalance target.
		if step%c.cfg.Scheduling.IntradaySteps == 0 {
			trades := c.intradayCheck(state, prices, st.Timestamp, step)
			if len(trades) > 0 {
				result.Trades = append(result.Trades, trades...)
				state.MarkToMarket(prices)
			}
			if c.lastTarget != nil {
				orders := c.gate.Plan(state, c.lastTarget, prices, step, gate.ModeIntraday)
				if trades := c.exec.Apply(state, orders, prices, nil, st.Timestamp, step); len(trades) > 0 {
					result.Trades = append(result.Trades, trades...)
					state.MarkToMarket(prices)
				}
			}
		}

		// Full-rebalance cadence: complete pipeline.
		if !st.Timestamp.Before(nextRebalance) {
			trades, regState := c.fullRebalance(state, prices, feats, st.Timestamp, step)
			result.Trades = append(result.Trades, trades...)
			result.Regimes = append(result.Regimes, regState)
			state.MarkToMarket(prices)
			nextRebalance = c.schedule.Next(st.Timestamp)
		}
	}

	result.Counters = c.metrics.Snapshot()
	return result, nil
}

// forceExits executes the overlay's stop and max-loss liquidations. These
// bypass the gate, hysteresis and cooldown entirely.
func (c *Clock) forceExits(state *domain.PortfolioState, prices map[string]float64, ts time.Time, step int) []domain.Trade {
	exits := c.overlay.CheckExits(state, prices)
	if len(exits) == 0 {
		return nil
	}
	sort.Slice(exits, func(i, j int) bool { return exits[i].Asset < exits[j].Asset })

	orders := make([]gate.Order, 0, len(exits))
	for _, e := range exits {
		orders = append(orders, gate.Order{Asset: e.Asset, DeltaQty: -e.Quantity, Reason: e.Reason})
	}
	return c.exec.Apply(state, orders, prices, nil, ts, step)
}

// intradayCheck responds to a fresh hard-drawdown crossing with an immediate
// de-risking pass, selling every position down by the hard scale without
// waiting for the next scheduled rebalance. Soft drawdowns only scale targets
// at rebalance time.
func (c *Clock) intradayCheck(state *domain.PortfolioState, prices map[string]float64, ts time.Time, step int) []domain.Trade {
	scalar, tier := c.overlay.ExposureScalar(state)
	crossed := tier == risk.TierHard && c.lastDDTier != risk.TierHard
	c.lastDDTier = tier
	if !crossed {
		return nil
	}

	log.Warn().Float64("scale", scalar).Msg("hard drawdown: immediate de-risk pass")
	assets := make([]string, 0, len(state.Positions))
	for asset := range state.Positions {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	orders := make([]gate.Order, 0, len(assets))
	for _, asset := range assets {
		pos := state.Positions[asset]
		sellQty := pos.Quantity * (1 - scalar)
		if sellQty <= 0 {
			continue
		}
		orders = append(orders, gate.Order{Asset: asset, DeltaQty: -sellQty, Reason: domain.ReasonDeRisk})
	}
	return c.exec.Apply(state, orders, prices, nil, ts, step)
}

// fullRebalance runs the complete pipeline: classify the regime, score and
// select candidates, build capped target weights, scale by the drawdown
// overlay, gate the deltas and execute. Sells run before buys so freed cash
// funds the buys within the same pass.
func (c *Clock) fullRebalance(state *domain.PortfolioState, prices map[string]float64, feats map[string]features.AssetFeatures, ts time.Time, step int) ([]domain.Trade, domain.RegimeState) {
	regState := regime.Classify(c.feats.Market(), c.cfg)

	signals := make([]domain.Signal, 0, len(c.cfg.Universe))
	entryATR := make(map[string]float64, len(c.cfg.Universe))
	var noSignal []string
	for _, a := range c.cfg.Universe {
		f, ok := feats[a.ID]
		if !ok {
			c.metrics.InsufficientData.Inc()
			if _, open := state.Positions[a.ID]; open {
				noSignal = append(noSignal, a.ID)
			}
			continue
		}
		entryATR[a.ID] = f.ATR
		score, ok := c.oracle.Score(a.ID, ts)
		if !ok {
			c.metrics.StaleScores.Inc()
			log.Debug().Str("asset", a.ID).Msg("no score, excluded from selection")
			if _, open := state.Positions[a.ID]; open {
				noSignal = append(noSignal, a.ID)
			}
			continue
		}
		signals = append(signals, domain.Signal{
			Asset: a.ID,
			Score: score,
			Vol:   f.RealizedVol,
			Tier:  a.Tier,
		})
	}

	target := c.builder.Build(signals, regState)
	scalar, tier := c.overlay.ExposureScalar(state)
	if scalar < 1 {
		target = target.Scale(scalar)
	}
	c.lastDDTier = tier

	// An open position with no usable data or score is held, not closed: it
	// keeps its current weight so the gate sees a zero delta and only the
	// risk overlay can exit it.
	if len(noSignal) > 0 {
		current := state.CurrentWeights(prices)
		for _, asset := range noSignal {
			target[asset] = current[asset]
		}
	}
	c.lastTarget = target

	orders := c.gate.Plan(state, target, prices, step, gate.ModeFull)
	orders = sellsFirst(orders)

	trades := c.exec.Apply(state, orders, prices, entryATR, ts, step)
	log.Info().
		Time("ts", ts).
		Str("regime", regState.Label.String()).
		Str("vol", regState.Vol.String()).
		Float64("breadth", regState.Breadth).
		Int("candidates", len(signals)).
		Float64("target_weight", target.Sum()).
		Int("trades", len(trades)).
		Msg("full rebalance")
	return trades, regState
}

// assetFeatures computes the feature row for every ready asset this step.
func (c *Clock) assetFeatures() map[string]features.AssetFeatures {
	out := make(map[string]features.AssetFeatures, len(c.cfg.Universe))
	for _, a := range c.cfg.Universe {
		if f, ok := c.feats.Compute(a.ID); ok {
			out[a.ID] = f
		}
	}
	return out
}

// sellsFirst orders sells ahead of buys, each group already in ascending
// asset order from the gate.
func sellsFirst(orders []gate.Order) []gate.Order {
	out := make([]gate.Order, 0, len(orders))
	for _, o := range orders {
		if o.DeltaQty < 0 {
			out = append(out, o)
		}
	}
	for _, o := range orders {
		if o.DeltaQty > 0 {
			out = append(out, o)
		}
	}
	return out
}

func sortedBarAssets(bars map[string]domain.Bar) []string {
	ids := make([]string, 0, len(bars))
	for id := range bars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
