// Package features computes the windowed per-asset and cross-sectional
// statistics the engine consumes: ATR for stop distances, EMAs for the trend
// filter, realized volatility for sizing and regime bucketing, and breadth.
// It also enforces the minimum-history contract: an asset reports not-ready
// until it has enough bars for the longest window.
package features

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
)

// AssetFeatures is the per-asset feature row for one step.
type AssetFeatures struct {
	Asset       string
	Close       float64
	ATR         float64
	RealizedVol float64
	EMAFast     float64
	EMASlow     float64
	EMASlope    float64 // fast EMA change over the last five bars
	RSI         float64
	AboveTrend  bool // close above fast EMA and fast above slow
}

// MarketFeatures is the cross-sectional view used by the regime classifier.
type MarketFeatures struct {
	Breadth        float64 // fraction of ready assets above their trend filter
	RefVol         float64 // realized vol of the reference asset
	RefTrendBroken bool    // reference asset below its slow EMA or with a falling fast EMA
	ReadyAssets    int
}

// Engine accumulates bar history and derives features on demand. It performs
// no I/O; the clock appends bars in timestamp order.
type Engine struct {
	cfg  *config.Config
	bars map[string][]domain.Bar
}

// NewEngine creates an empty feature engine for the configured universe.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		cfg:  cfg,
		bars: make(map[string][]domain.Bar, len(cfg.Universe)),
	}
}

// Append records the next bar for an asset. Bars must arrive in strictly
// increasing timestamp order per asset; the clock guarantees this.
func (e *Engine) Append(asset string, bar domain.Bar) {
	e.bars[asset] = append(e.bars[asset], bar)
}

// Ready reports whether the asset has the minimum history to be acted on.
func (e *Engine) Ready(asset string) bool {
	return len(e.bars[asset]) >= e.cfg.Data.MinHistoryBars
}

// BarCount returns the number of bars seen for an asset.
func (e *Engine) BarCount(asset string) int {
	return len(e.bars[asset])
}

// LastClose returns the most recent close, or false if no bars exist.
func (e *Engine) LastClose(asset string) (float64, bool) {
	bars := e.bars[asset]
	if len(bars) == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

// Return computes the simple return over the trailing lookback bars, or
// false when history is too short.
func (e *Engine) Return(asset string, lookback int) (float64, bool) {
	bars := e.bars[asset]
	if len(bars) <= lookback {
		return 0, false
	}
	prev := bars[len(bars)-1-lookback].Close
	if prev <= 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close/prev - 1, true
}

// Compute derives the feature row for an asset. Returns false when the asset
// is below the minimum history requirement.
func (e *Engine) Compute(asset string) (AssetFeatures, bool) {
	if !e.Ready(asset) {
		return AssetFeatures{}, false
	}
	bars := e.bars[asset]
	n := len(bars)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}

	atr := talib.Atr(high, low, closes, e.cfg.Data.ATRPeriod)
	emaFast := talib.Ema(closes, e.cfg.Data.EMAFast)
	emaSlow := talib.Ema(closes, e.cfg.Data.EMASlow)
	rsi := talib.Rsi(closes, e.cfg.Data.RSIPeriod)

	f := AssetFeatures{
		Asset:       asset,
		Close:       closes[n-1],
		ATR:         atr[n-1],
		RealizedVol: e.realizedVol(closes),
		EMAFast:     emaFast[n-1],
		EMASlow:     emaSlow[n-1],
		RSI:         rsi[n-1],
	}
	if n >= 6 {
		f.EMASlope = emaFast[n-1] - emaFast[n-6]
	}
	f.AboveTrend = f.Close > f.EMAFast && f.EMAFast > f.EMASlow
	return f, true
}

// Market derives the cross-sectional features over all ready assets.
func (e *Engine) Market() MarketFeatures {
	mf := MarketFeatures{Breadth: 0.5}
	above := 0
	for _, a := range e.cfg.Universe {
		f, ok := e.Compute(a.ID)
		if !ok {
			continue
		}
		mf.ReadyAssets++
		if f.AboveTrend {
			above++
		}
		if a.ID == e.cfg.Regime.ReferenceAsset {
			mf.RefVol = f.RealizedVol
			mf.RefTrendBroken = f.Close < f.EMASlow || f.EMASlope < 0
		}
	}
	if mf.ReadyAssets > 0 {
		mf.Breadth = float64(above) / float64(mf.ReadyAssets)
	}
	return mf
}

// realizedVol is the standard deviation of log returns over the configured
// window, scaled by sqrt(window) to match the regime bucket cutoffs.
func (e *Engine) realizedVol(closes []float64) float64 {
	win := e.cfg.Data.RealizedVolWin
	if len(closes) < win+1 {
		win = len(closes) - 1
	}
	if win < 2 {
		return 0
	}
	rets := make([]float64, 0, win)
	for i := len(closes) - win; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			rets = append(rets, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(rets) < 2 {
		return 0
	}
	return stat.StdDev(rets, nil) * math.Sqrt(float64(win))
}
