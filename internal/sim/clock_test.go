package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/features"
	"github.com/quantbench/rebalancer/internal/feed"
	"github.com/quantbench/rebalancer/internal/oracle"
	"github.com/quantbench/rebalancer/internal/telemetry"
)

// stubOracle returns fixed scores; absent assets report no signal.
type stubOracle struct {
	scores map[string]float64
}

func (s stubOracle) Name() string { return "stub" }

func (s stubOracle) Score(asset string, _ time.Time) (float64, bool) {
	v, ok := s.scores[asset]
	return v, ok
}

// cutoffOracle serves a fixed score up to a cutoff time, then goes silent.
type cutoffOracle struct {
	score float64
	until time.Time
}

func (c cutoffOracle) Name() string { return "cutoff" }

func (c cutoffOracle) Score(_ string, ts time.Time) (float64, bool) {
	if ts.After(c.until) {
		return 0, false
	}
	return c.score, true
}

func scenarioConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Universe = []domain.Asset{
		{ID: "AAA/USD", Tier: 1, PricePrec: 2, QtyPrec: 2, MinNotional: 10},
	}
	cfg.Regime.ReferenceAsset = "AAA/USD"
	cfg.Signals.ScoreThreshold = 0.001
	cfg.Signals.TopKTrend = 1
	cfg.Signals.TopKChop = 1
	cfg.Signals.TopKDown = 1
	cfg.Signals.HysteresisFull = 0.02
	cfg.Signals.HysteresisTight = 0.05
	cfg.Signals.CooldownSteps = 3
	cfg.Sizing.CashBufferTrend = 0.10
	cfg.Sizing.CashBufferChop = 0.10
	cfg.Sizing.CashBufferDown = 0.10
	cfg.Sizing.CapTier1 = 0.90
	cfg.Stops.VolScaleLow = 1.0
	cfg.Stops.VolScaleMid = 1.0
	cfg.Stops.VolScaleHigh = 1.0
	cfg.Data = config.DataConfig{
		ATRPeriod:      3,
		EMAFast:        3,
		EMASlow:        5,
		RSIPeriod:      3,
		RealizedVolWin: 4,
		MinHistoryBars: 5,
	}
	cfg.Scheduling.IntradaySteps = 1
	cfg.Scheduling.RebalanceCron = "*/30 * * * *"
	cfg.Ops.InitialCash = 10000
	require.NoError(t, cfg.Validate())
	return cfg
}

func flatBars(asset string, n int, price, high, low float64, start time.Time) []feed.Step {
	steps := make([]feed.Step, n)
	ts := start
	for i := range steps {
		steps[i] = feed.Step{
			Timestamp: ts,
			Bars: map[string]domain.Bar{
				asset: {Timestamp: ts, Open: price, High: high, Low: low, Close: price, Volume: 100},
			},
		}
		ts = ts.Add(30 * time.Minute)
	}
	return steps
}

func start() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func runClock(t *testing.T, cfg *config.Config, orc oracle.Oracle, f feed.Feed) (*Result, *domain.PortfolioState) {
	t.Helper()
	feats := features.NewEngine(cfg)
	clock, err := New(cfg, feats, orc, telemetry.New())
	require.NoError(t, err)
	ps := domain.NewPortfolioState(cfg.Ops.InitialCash)
	result, err := clock.Run(context.Background(), f, ps)
	require.NoError(t, err)
	return result, ps
}

func TestSingleAssetFlatPriceBuysOnce(t *testing.T) {
	// One asset, flat price, a constant score over threshold: exactly one
	// buy sized to (1 - cash_buffer) * equity / price, then silence.
	cfg := scenarioConfig(t)
	orc := stubOracle{scores: map[string]float64{"AAA/USD": 0.5}}
	f := feed.FromSteps(flatBars("AAA/USD", 20, 100, 100, 100, start()))

	result, ps := runClock(t, cfg, orc, f)

	require.Len(t, result.Trades, 1)
	tr := result.Trades[0]
	assert.Equal(t, domain.Buy, tr.Side)
	assert.InDelta(t, 0.9*10000/100, tr.Quantity, 1e-9)
	assert.InDelta(t, 100, tr.Price, 1e-9)

	pos := ps.Positions["AAA/USD"]
	require.NotNil(t, pos)
	assert.InDelta(t, 90, pos.Quantity, 1e-9)
	assert.Len(t, result.Equity, 20)
}

func TestStopCrossForcesExit(t *testing.T) {
	// Price crossing the ATR stop forces a full exit regardless of the
	// rebalance schedule, hysteresis or cooldown.
	cfg := scenarioConfig(t)
	cfg.Scheduling.RebalanceCron = "0 0 * * *" // daily: entry at step 48 only
	orc := stubOracle{scores: map[string]float64{"AAA/USD": 0.5}}

	steps := flatBars("AAA/USD", 52, 100, 101, 99, start())
	crashTS := steps[51].Timestamp
	// ATR ~2 puts the initial stop near 95; close at 94 crosses it.
	steps[51].Bars["AAA/USD"] = domain.Bar{
		Timestamp: crashTS, Open: 100, High: 100, Low: 93.5, Close: 94, Volume: 100,
	}

	result, ps := runClock(t, cfg, orc, feed.FromSteps(steps))

	require.Len(t, result.Trades, 2)
	assert.Equal(t, domain.Buy, result.Trades[0].Side)

	exit := result.Trades[1]
	assert.Equal(t, domain.Sell, exit.Side)
	assert.Equal(t, domain.ReasonStopLoss, exit.Reason)
	assert.Equal(t, crashTS, exit.Timestamp)
	assert.Empty(t, ps.Positions, "stop exit closes the position entirely")
}

func TestHardDrawdownForcesDeRisk(t *testing.T) {
	// Equity through the hard drawdown threshold triggers net sells even
	// though the score never changed.
	cfg := scenarioConfig(t)
	cfg.Scheduling.RebalanceCron = "0 0 * * *"
	cfg.Stops.ATRInit = 25 // parks the ATR stop far below the price path
	cfg.Stops.MaxPosLossFrac = 0.9
	require.NoError(t, cfg.Validate())
	orc := stubOracle{scores: map[string]float64{"AAA/USD": 0.5}}

	steps := flatBars("AAA/USD", 60, 100, 101, 99, start())
	// Grind lower after the entry at step 48 until drawdown exceeds 15%.
	declines := []float64{97, 94, 91, 88, 85, 83, 83, 83, 83, 83, 83}
	for i, px := range declines {
		ts := steps[49+i].Timestamp
		steps[49+i].Bars["AAA/USD"] = domain.Bar{
			Timestamp: ts, Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 100,
		}
	}

	result, ps := runClock(t, cfg, orc, feed.FromSteps(steps))

	var deRisk *domain.Trade
	for i := range result.Trades {
		if result.Trades[i].Reason == domain.ReasonDeRisk {
			deRisk = &result.Trades[i]
			break
		}
	}
	require.NotNil(t, deRisk, "hard drawdown must force a de-risking sell")
	assert.Equal(t, domain.Sell, deRisk.Side)

	pos := ps.Positions["AAA/USD"]
	if pos != nil {
		assert.Less(t, pos.Quantity, 90.0*0.25, "exposure must shrink to roughly the hard scale")
	}
}

func TestNoActionBelowMinimumHistory(t *testing.T) {
	cfg := scenarioConfig(t)
	orc := stubOracle{scores: map[string]float64{"AAA/USD": 0.5}}
	f := feed.FromSteps(flatBars("AAA/USD", 4, 100, 100, 100, start()))

	result, ps := runClock(t, cfg, orc, f)

	assert.Empty(t, result.Trades, "only all-cash decisions before minimum history")
	assert.InDelta(t, 10000, ps.Cash, 1e-9)
	assert.Greater(t, result.Counters["rebalancer_insufficient_data_total"], 0.0)
}

func TestMissingScoreExcludesAssetFromSelection(t *testing.T) {
	cfg := scenarioConfig(t)
	orc := stubOracle{scores: map[string]float64{}} // oracle always absent

	result, ps := runClock(t, cfg, orc, feed.FromSteps(flatBars("AAA/USD", 10, 100, 100, 100, start())))

	assert.Empty(t, result.Trades)
	assert.Empty(t, ps.Positions)
	assert.Greater(t, result.Counters["rebalancer_stale_scores_total"], 0.0)
}

func TestScoreOutageRetainsPosition(t *testing.T) {
	// Losing the score feed mid-run holds the book steady; only the risk
	// overlay may exit a position that has gone signal-dark.
	cfg := scenarioConfig(t)
	steps := flatBars("AAA/USD", 20, 100, 100, 100, start())
	orc := cutoffOracle{score: 0.5, until: steps[6].Timestamp}

	result, ps := runClock(t, cfg, orc, feed.FromSteps(steps))

	require.Len(t, result.Trades, 1)
	assert.Equal(t, domain.Buy, result.Trades[0].Side)
	pos := ps.Positions["AAA/USD"]
	require.NotNil(t, pos)
	assert.InDelta(t, 90, pos.Quantity, 1e-9)
	assert.Greater(t, result.Counters["rebalancer_stale_scores_total"], 0.0)
}

func TestWarmupRetainsResumedPosition(t *testing.T) {
	// A position restored from a previous run must not be liquidated while
	// its feature history is still warming up.
	cfg := scenarioConfig(t)
	orc := stubOracle{scores: map[string]float64{"AAA/USD": 0.5}}
	f := feed.FromSteps(flatBars("AAA/USD", 4, 100, 100, 100, start()))

	feats := features.NewEngine(cfg)
	clock, err := New(cfg, feats, orc, telemetry.New())
	require.NoError(t, err)
	ps := domain.NewPortfolioState(1000)
	ps.Positions["AAA/USD"] = &domain.Position{Asset: "AAA/USD", Quantity: 5, AvgEntry: 100}

	result, err := clock.Run(context.Background(), f, ps)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	pos := ps.Positions["AAA/USD"]
	require.NotNil(t, pos)
	assert.InDelta(t, 5, pos.Quantity, 1e-9)
}

func TestIntradayGateTrimsWithCooldown(t *testing.T) {
	// A rally between scheduled rebalances pushes the held weight past the
	// tight band; the intraday pass trims back to target, but only after the
	// per-asset cooldown elapses.
	cfg := scenarioConfig(t)
	cfg.Scheduling.RebalanceCron = "0 0 * * *" // entry at step 48 only
	cfg.Signals.CooldownSteps = 5
	require.NoError(t, cfg.Validate())
	orc := stubOracle{scores: map[string]float64{"AAA/USD": 0.5}}

	steps := flatBars("AAA/USD", 56, 100, 101, 99, start())
	for i := 50; i < 56; i++ {
		ts := steps[i].Timestamp
		steps[i].Bars["AAA/USD"] = domain.Bar{
			Timestamp: ts, Open: 400, High: 401, Low: 399, Close: 400, Volume: 100,
		}
	}

	result, ps := runClock(t, cfg, orc, feed.FromSteps(steps))

	require.Len(t, result.Trades, 2)
	assert.Equal(t, domain.Buy, result.Trades[0].Side)

	trim := result.Trades[1]
	assert.Equal(t, domain.Sell, trim.Side)
	assert.Equal(t, domain.ReasonRebalance, trim.Reason)
	// Weight breaches the tight band at step 50, two steps after the entry;
	// the 5-step cooldown defers the trim to step 53.
	assert.Equal(t, steps[53].Timestamp, trim.Timestamp)
	assert.InDelta(t, 6.77, trim.Quantity, 1e-9)

	pos := ps.Positions["AAA/USD"]
	require.NotNil(t, pos)
	assert.InDelta(t, 83.23, pos.Quantity, 1e-9)
}

func TestEquityConservation(t *testing.T) {
	cfg := scenarioConfig(t)
	orc := stubOracle{scores: map[string]float64{"AAA/USD": 0.5}}
	f := feed.FromSteps(flatBars("AAA/USD", 20, 100, 100, 100, start()))

	_, ps := runClock(t, cfg, orc, f)

	mtm := ps.Cash
	for _, pos := range ps.Positions {
		mtm += pos.Quantity * 100
	}
	assert.InDelta(t, mtm, ps.Equity, 1e-9, "cash plus marked positions must equal equity")
}

func TestDeterministicRuns(t *testing.T) {
	// Identical inputs must produce identical trade and equity sequences.
	cfg := config.Default()
	cfg.Universe = cfg.Universe[:3]
	cfg.Regime.ReferenceAsset = "BTC/USD"
	require.NoError(t, cfg.Validate())

	run := func() *Result {
		f := feed.Synthetic(cfg.Universe, feed.SyntheticParams{Steps: 400, Seed: 7})
		feats := features.NewEngine(cfg)
		orc := oracle.NewHeuristic(cfg, feats)
		clock, err := New(cfg, feats, orc, telemetry.New())
		require.NoError(t, err)
		result, err := clock.Run(context.Background(), f, domain.NewPortfolioState(cfg.Ops.InitialCash))
		require.NoError(t, err)
		return result
	}

	a, b := run(), run()
	require.Equal(t, a.Trades, b.Trades)
	require.Equal(t, a.Equity, b.Equity)
	assert.Equal(t, a.Final.Cash, b.Final.Cash)
}

func TestCancellationStopsBetweenSteps(t *testing.T) {
	cfg := scenarioConfig(t)
	orc := stubOracle{scores: map[string]float64{"AAA/USD": 0.5}}
	f := feed.FromSteps(flatBars("AAA/USD", 20, 100, 100, 100, start()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	feats := features.NewEngine(cfg)
	clock, err := New(cfg, feats, orc, telemetry.New())
	require.NoError(t, err)
	result, err := clock.Run(ctx, f, domain.NewPortfolioState(cfg.Ops.InitialCash))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Equity)
}
