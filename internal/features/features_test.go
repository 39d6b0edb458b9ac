package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
)

func engineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Universe = []domain.Asset{
		{ID: "AAA/USD", Tier: 1, PricePrec: 2, QtyPrec: 2, MinNotional: 10},
		{ID: "BBB/USD", Tier: 2, PricePrec: 2, QtyPrec: 2, MinNotional: 10},
	}
	cfg.Regime.ReferenceAsset = "AAA/USD"
	cfg.Data = config.DataConfig{
		ATRPeriod:      3,
		EMAFast:        3,
		EMASlow:        8,
		RSIPeriod:      3,
		RealizedVolWin: 4,
		MinHistoryBars: 10,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func appendFlat(e *Engine, asset string, n int, price, spread float64) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		e.Append(asset, domain.Bar{
			Timestamp: ts,
			Open:      price,
			High:      price + spread,
			Low:       price - spread,
			Close:     price,
			Volume:    100,
		})
		ts = ts.Add(30 * time.Minute)
	}
}

func appendRising(e *Engine, asset string, n int, start, step float64) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		e.Append(asset, domain.Bar{
			Timestamp: ts,
			Open:      price,
			High:      price + step,
			Low:       price,
			Close:     price + step,
			Volume:    100,
		})
		price += step
		ts = ts.Add(30 * time.Minute)
	}
}

func TestReadyRequiresMinimumHistory(t *testing.T) {
	e := NewEngine(engineConfig(t))
	appendFlat(e, "AAA/USD", 9, 100, 1)
	assert.False(t, e.Ready("AAA/USD"))
	assert.Equal(t, 9, e.BarCount("AAA/USD"))

	_, ok := e.Compute("AAA/USD")
	assert.False(t, ok)

	appendFlat(e, "AAA/USD", 1, 100, 1)
	assert.True(t, e.Ready("AAA/USD"))
	_, ok = e.Compute("AAA/USD")
	assert.True(t, ok)
}

func TestLastCloseAndReturn(t *testing.T) {
	e := NewEngine(engineConfig(t))

	_, ok := e.LastClose("AAA/USD")
	assert.False(t, ok)

	appendRising(e, "AAA/USD", 11, 100, 1) // closes 101..111
	last, ok := e.LastClose("AAA/USD")
	require.True(t, ok)
	assert.InDelta(t, 111, last, 1e-12)

	ret, ok := e.Return("AAA/USD", 10)
	require.True(t, ok)
	assert.InDelta(t, 111.0/101.0-1, ret, 1e-12)

	_, ok = e.Return("AAA/USD", 11)
	assert.False(t, ok, "lookback longer than history reports absent")
}

func TestComputeFlatSeries(t *testing.T) {
	e := NewEngine(engineConfig(t))
	appendFlat(e, "AAA/USD", 12, 100, 1)

	f, ok := e.Compute("AAA/USD")
	require.True(t, ok)
	assert.InDelta(t, 100, f.Close, 1e-9)
	assert.InDelta(t, 2, f.ATR, 1e-9, "constant 2-point range yields ATR of 2")
	assert.InDelta(t, 100, f.EMAFast, 1e-9)
	assert.InDelta(t, 100, f.EMASlow, 1e-9)
	assert.InDelta(t, 0, f.RealizedVol, 1e-12)
	assert.False(t, f.AboveTrend, "flat price sits on its averages, not above them")
}

func TestComputeRisingSeries(t *testing.T) {
	e := NewEngine(engineConfig(t))
	appendRising(e, "AAA/USD", 30, 100, 1)

	f, ok := e.Compute("AAA/USD")
	require.True(t, ok)
	assert.True(t, f.AboveTrend)
	assert.Greater(t, f.EMAFast, f.EMASlow)
	assert.Greater(t, f.EMASlope, 0.0)
	assert.Greater(t, f.RealizedVol, 0.0)
}

func TestComputeAtExactMinimumHistory(t *testing.T) {
	// The RSI window plus its seed bar equals the minimum history: the first
	// ready bar must compute without running off the series.
	cfg := engineConfig(t)
	cfg.Data = config.DataConfig{
		ATRPeriod:      5,
		EMAFast:        3,
		EMASlow:        8,
		RSIPeriod:      9,
		RealizedVolWin: 4,
		MinHistoryBars: 10,
	}
	require.NoError(t, cfg.Validate())
	e := NewEngine(cfg)

	closes := []float64{100, 101, 102, 103, 102, 104, 105, 106, 107, 108}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, px := range closes {
		e.Append("AAA/USD", domain.Bar{
			Timestamp: ts, Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 100,
		})
		ts = ts.Add(30 * time.Minute)
	}

	f, ok := e.Compute("AAA/USD")
	require.True(t, ok)
	// Nine changes: total gain 9, total loss 1, so RS = 9.
	assert.InDelta(t, 90, f.RSI, 1e-6)
	assert.Greater(t, f.ATR, 0.0)
}

func TestMarketBreadthAndReference(t *testing.T) {
	e := NewEngine(engineConfig(t))
	appendRising(e, "AAA/USD", 30, 100, 1)
	appendFlat(e, "BBB/USD", 30, 50, 0.5)

	mf := e.Market()
	assert.Equal(t, 2, mf.ReadyAssets)
	assert.InDelta(t, 0.5, mf.Breadth, 1e-12, "one of two assets above trend")
	assert.False(t, mf.RefTrendBroken)
	assert.Greater(t, mf.RefVol, 0.0)
}

func TestMarketReferenceTrendBroken(t *testing.T) {
	cfg := engineConfig(t)
	e := NewEngine(cfg)
	// Rising history with a sharp final drop below the slow EMA.
	appendRising(e, "AAA/USD", 29, 100, 1)
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	e.Append("AAA/USD", domain.Bar{Timestamp: ts, Open: 129, High: 129, Low: 80, Close: 80, Volume: 100})

	mf := e.Market()
	assert.True(t, mf.RefTrendBroken)
}

func TestMarketReferenceSlopeBreakdown(t *testing.T) {
	// A spike that fades: the close holds above the slow EMA while the fast
	// EMA rolls over, which still breaks the reference trend.
	cfg := engineConfig(t)
	e := NewEngine(cfg)

	closes := make([]float64, 0, 22)
	for i := 0; i < 15; i++ {
		closes = append(closes, 100)
	}
	closes = append(closes, 130, 130, 130, 117, 117, 117, 117)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, px := range closes {
		e.Append("AAA/USD", domain.Bar{
			Timestamp: ts, Open: px, High: px, Low: px, Close: px, Volume: 100,
		})
		ts = ts.Add(30 * time.Minute)
	}

	f, ok := e.Compute("AAA/USD")
	require.True(t, ok)
	assert.Greater(t, f.Close, f.EMASlow)
	assert.Less(t, f.EMASlope, 0.0)

	mf := e.Market()
	assert.True(t, mf.RefTrendBroken)
}

func TestMarketNoReadyAssets(t *testing.T) {
	e := NewEngine(engineConfig(t))
	appendFlat(e, "AAA/USD", 3, 100, 1)

	mf := e.Market()
	assert.Equal(t, 0, mf.ReadyAssets)
	assert.InDelta(t, 0.5, mf.Breadth, 1e-12, "neutral breadth when nothing is ready")
}
