package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/features"
	"github.com/quantbench/rebalancer/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Stops.ATRInit = 2.5
	cfg.Stops.ATRArm = 0.8
	cfg.Stops.ATRTrail = 2.0
	cfg.Stops.MaxPosLossFrac = 0.03
	cfg.Stops.VolScaleLow = 1.0
	cfg.Stops.VolScaleMid = 1.0
	cfg.Stops.VolScaleHigh = 1.0
	cfg.Risk.SoftDrawdown = 0.08
	cfg.Risk.HardDrawdown = 0.15
	require.NoError(t, cfg.Validate())
	return cfg
}

func openPosition(entry, qty, atr float64) *domain.Position {
	return &domain.Position{
		Asset:     "BTC/USD",
		Quantity:  qty,
		AvgEntry:  entry,
		PeakPrice: entry,
		EntryATR:  atr,
		EntryTime: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func featRow(price, atr float64) map[string]features.AssetFeatures {
	return map[string]features.AssetFeatures{
		"BTC/USD": {Asset: "BTC/USD", Close: price, ATR: atr},
	}
}

func TestInitialStopSetFromEntryATR(t *testing.T) {
	o := NewOverlay(testConfig(t), telemetry.New())
	st := domain.NewPortfolioState(10000)
	st.Positions["BTC/USD"] = openPosition(100, 1, 2)

	o.UpdateStops(st, featRow(100, 2), domain.VolMid)
	assert.InDelta(t, 100-2.5*2, st.Positions["BTC/USD"].InitialStop, 1e-9)
}

func TestTrailingArmsOnlyAfterGain(t *testing.T) {
	o := NewOverlay(testConfig(t), telemetry.New())
	st := domain.NewPortfolioState(10000)
	pos := openPosition(100, 1, 2)
	st.Positions["BTC/USD"] = pos

	// Below the arming gain of entry + 0.8*ATR = 101.6.
	o.UpdateStops(st, featRow(101, 2), domain.VolMid)
	assert.False(t, pos.TrailArmed)

	o.UpdateStops(st, featRow(102, 2), domain.VolMid)
	assert.True(t, pos.TrailArmed)
	assert.InDelta(t, 102-2.0*2, pos.TrailingStop, 1e-9)
}

func TestTrailingStopMonotone(t *testing.T) {
	o := NewOverlay(testConfig(t), telemetry.New())
	st := domain.NewPortfolioState(10000)
	pos := openPosition(100, 1, 2)
	st.Positions["BTC/USD"] = pos

	prices := []float64{103, 106, 104, 108, 102, 110, 105}
	last := 0.0
	for _, px := range prices {
		o.UpdateStops(st, featRow(px, 2), domain.VolMid)
		require.True(t, pos.TrailArmed)
		assert.GreaterOrEqual(t, pos.TrailingStop, last, "trailing stop loosened at price %v", px)
		last = pos.TrailingStop
	}
	// Peak was 110, so the stop sits at 110 - 2*2.
	assert.InDelta(t, 106, pos.TrailingStop, 1e-9)
}

func TestVolBucketScalesStopDistance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stops.VolScaleHigh = 1.5
	o := NewOverlay(cfg, telemetry.New())
	st := domain.NewPortfolioState(10000)
	st.Positions["BTC/USD"] = openPosition(100, 1, 2)

	o.UpdateStops(st, featRow(100, 2), domain.VolHigh)
	assert.InDelta(t, 100-2.5*1.5*2, st.Positions["BTC/USD"].InitialStop, 1e-9)
}

func TestCheckExitsStopCross(t *testing.T) {
	o := NewOverlay(testConfig(t), telemetry.New())
	st := domain.NewPortfolioState(10000)
	pos := openPosition(100, 1, 2)
	pos.InitialStop = 95
	st.Positions["BTC/USD"] = pos
	st.MarkToMarket(map[string]float64{"BTC/USD": 100})

	assert.Empty(t, o.CheckExits(st, map[string]float64{"BTC/USD": 96}))

	exits := o.CheckExits(st, map[string]float64{"BTC/USD": 94.5})
	require.Len(t, exits, 1)
	assert.Equal(t, domain.ReasonStopLoss, exits[0].Reason)
	assert.InDelta(t, 1.0, exits[0].Quantity, 1e-12, "stop exit liquidates the full position")
}

func TestCheckExitsUsesTighterOfStops(t *testing.T) {
	o := NewOverlay(testConfig(t), telemetry.New())
	st := domain.NewPortfolioState(100000)
	pos := openPosition(100, 1, 2)
	pos.InitialStop = 95
	pos.TrailArmed = true
	pos.TrailingStop = 104
	st.Positions["BTC/USD"] = pos
	st.MarkToMarket(map[string]float64{"BTC/USD": 108})

	// 103 is above the initial stop but through the trailing stop.
	exits := o.CheckExits(st, map[string]float64{"BTC/USD": 103})
	require.Len(t, exits, 1)
	assert.Equal(t, domain.ReasonStopLoss, exits[0].Reason)
}

func TestCheckExitsMaxLossCap(t *testing.T) {
	o := NewOverlay(testConfig(t), telemetry.New())
	st := domain.NewPortfolioState(0)
	pos := openPosition(100, 10, 2)
	pos.InitialStop = 50 // far away, ATR stop will not trigger
	st.Positions["BTC/USD"] = pos
	st.MarkToMarket(map[string]float64{"BTC/USD": 100})
	require.InDelta(t, 1000, st.Equity, 1e-9)

	// $35 unrealized loss on $965 equity breaches the 3% cap.
	st.MarkToMarket(map[string]float64{"BTC/USD": 96.5})
	exits := o.CheckExits(st, map[string]float64{"BTC/USD": 96.5})
	require.Len(t, exits, 1)
	assert.Equal(t, domain.ReasonMaxLoss, exits[0].Reason)
}

func TestExposureScalarTiers(t *testing.T) {
	o := NewOverlay(testConfig(t), telemetry.New())

	tests := []struct {
		name   string
		equity float64
		peak   float64
		scale  float64
		tier   DrawdownTier
	}{
		{"no drawdown", 10000, 10000, 1.0, TierNone},
		{"below soft", 9500, 10000, 1.0, TierNone},
		{"soft", 9100, 10000, 0.5, TierSoft},
		{"hard", 8400, 10000, 0.2, TierHard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &domain.PortfolioState{Equity: tt.equity, PeakEquity: tt.peak}
			scale, tier := o.ExposureScalar(st)
			assert.Equal(t, tt.scale, scale)
			assert.Equal(t, tt.tier, tier)
		})
	}
}

func TestScalingNeverIncreasesExposure(t *testing.T) {
	target := domain.TargetWeights{"BTC/USD": 0.3, "ETH/USD": 0.2}
	scaled := target.Scale(0.5)
	for asset, w := range scaled {
		assert.LessOrEqual(t, w, target[asset])
	}
	assert.InDelta(t, 0.25, scaled.Sum(), 1e-12)
}
