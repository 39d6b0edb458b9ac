// Package regime classifies market conditions from breadth and volatility
// features. Classification is a pure function of the current step's features;
// the result carries no state into the next step.
package regime

import (
	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/features"
)

// Classify maps the cross-sectional features to a RegimeState.
//
// Down-market signals take precedence: broken breadth or a broken reference
// trend filter classify down before trend is considered. The volatility
// bucket is an independent classification used only to scale stop distances.
func Classify(mf features.MarketFeatures, cfg *config.Config) domain.RegimeState {
	state := domain.RegimeState{
		Label:   domain.Chop,
		Vol:     volBucket(mf.RefVol, cfg),
		Breadth: mf.Breadth,
	}

	switch {
	case mf.Breadth < cfg.Regime.BreadthDownMax || mf.RefTrendBroken:
		state.Label = domain.Down
	case mf.Breadth >= cfg.Regime.BreadthTrendMin:
		state.Label = domain.Trend
	}
	return state
}

func volBucket(rv float64, cfg *config.Config) domain.VolBucket {
	switch {
	case rv > cfg.Regime.VolMidMax:
		return domain.VolHigh
	case rv > cfg.Regime.VolLowMax:
		return domain.VolMid
	default:
		return domain.VolLow
	}
}
