package oracle

import (
	"time"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/features"
)

// Momentum lookbacks in bars: six and twenty-four hours of 30-minute bars.
const (
	lookbackShort = 12
	lookbackLong  = 48
)

// Heuristic is the fallback scorer used when no trained model is available.
// It blends short- and long-horizon momentum with an RSI tilt and nets out
// the estimated round-trip cost, so the score threshold downstream compares
// against expected return after fees. The fee arithmetic here mirrors the
// execution simulator exactly.
type Heuristic struct {
	cfg   *config.Config
	feats *features.Engine
}

// NewHeuristic creates the fallback oracle over the shared feature engine.
func NewHeuristic(cfg *config.Config, feats *features.Engine) *Heuristic {
	return &Heuristic{cfg: cfg, feats: feats}
}

func (h *Heuristic) Name() string { return "heuristic" }

// Score computes the cost-netted momentum score. Assets below the minimum
// history report absent.
func (h *Heuristic) Score(asset string, _ time.Time) (float64, bool) {
	f, ok := h.feats.Compute(asset)
	if !ok {
		return 0, false
	}
	rShort, okS := h.feats.Return(asset, lookbackShort)
	rLong, okL := h.feats.Return(asset, lookbackLong)
	if !okS || !okL {
		return 0, false
	}

	tilt := (f.RSI/100 - 0.5) * 0.3
	pShort := rShort*0.5 + tilt
	pLong := rLong*0.5 + tilt

	// Favor the short horizon when the asset is below its trend filter,
	// the long horizon when the trend is intact.
	wShort, wLong := 0.3, 0.7
	if !f.AboveTrend {
		wShort, wLong = 0.6, 0.4
	}
	score := wShort*pShort + wLong*pLong

	roundTrip := 2 * (h.cfg.Exchange.FeeBps / 10000.0)
	slippage := h.cfg.Exchange.SlippageBps / 10000.0
	return score - roundTrip - slippage, true
}
