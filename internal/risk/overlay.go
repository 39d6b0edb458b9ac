// Package risk maintains per-position stop levels and the portfolio-level
// drawdown overlay. Stops follow a three-stage ladder: an initial ATR stop at
// entry, a trailing stop armed once the position is sufficiently in profit,
// and forced exit once price crosses the effective level. The trailing stop
// only ever tightens. A per-position max-loss cap and the drawdown exposure
// scalar operate independently of the ATR ladder.
package risk

import (
	"github.com/rs/zerolog/log"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/features"
	"github.com/quantbench/rebalancer/internal/telemetry"
)

// Exit is a forced full liquidation emitted by the overlay. It bypasses the
// rebalance gate and any cooldown.
type Exit struct {
	Asset    string
	Quantity float64
	Reason   domain.TradeReason
}

// DrawdownTier labels the active drawdown response.
type DrawdownTier string

const (
	TierNone DrawdownTier = "none"
	TierSoft DrawdownTier = "soft"
	TierHard DrawdownTier = "hard"
)

// Overlay evaluates stop and drawdown rules each step.
type Overlay struct {
	cfg     *config.Config
	metrics *telemetry.Metrics
}

// NewOverlay creates the risk overlay bound to the validated configuration.
func NewOverlay(cfg *config.Config, metrics *telemetry.Metrics) *Overlay {
	return &Overlay{cfg: cfg, metrics: metrics}
}

// UpdateStops advances the stop ladder for every open position using the
// step's ATR and close. Stop distances scale with the volatility bucket.
// Runs every step, before exit checks.
func (o *Overlay) UpdateStops(state *domain.PortfolioState, feats map[string]features.AssetFeatures, vol domain.VolBucket) {
	scale := o.cfg.StopVolScale(vol)
	for asset, pos := range state.Positions {
		if pos.Quantity <= 0 {
			continue
		}
		f, ok := feats[asset]
		if !ok || f.ATR <= 0 {
			continue
		}
		price := f.Close

		if pos.InitialStop == 0 {
			atr := pos.EntryATR
			if atr <= 0 {
				atr = f.ATR
			}
			pos.InitialStop = pos.AvgEntry - o.cfg.Stops.ATRInit*scale*atr
		}
		if price > pos.PeakPrice {
			pos.PeakPrice = price
		}
		if !pos.TrailArmed && price >= pos.AvgEntry+o.cfg.Stops.ATRArm*f.ATR {
			pos.TrailArmed = true
			log.Debug().Str("asset", asset).Float64("price", price).Msg("trailing stop armed")
		}
		if pos.TrailArmed {
			candidate := pos.PeakPrice - o.cfg.Stops.ATRTrail*scale*f.ATR
			if candidate > pos.TrailingStop {
				pos.TrailingStop = candidate
			}
		}
	}
}

// CheckExits returns the forced full exits for this step: positions whose
// price crossed the effective stop, and positions whose unrealized loss
// breaches the max-loss fraction of equity regardless of the ATR ladder.
// Assets are not ordered here; the caller sequences execution.
func (o *Overlay) CheckExits(state *domain.PortfolioState, prices map[string]float64) []Exit {
	var exits []Exit
	for asset, pos := range state.Positions {
		if pos.Quantity <= 0 {
			continue
		}
		price, ok := prices[asset]
		if !ok {
			continue
		}

		if stop := pos.StopLevel(); stop > 0 && price <= stop {
			o.metrics.StopExits.Inc()
			log.Info().Str("asset", asset).Float64("price", price).Float64("stop", stop).
				Msg("stop loss triggered")
			exits = append(exits, Exit{Asset: asset, Quantity: pos.Quantity, Reason: domain.ReasonStopLoss})
			continue
		}

		unrealized := (price - pos.AvgEntry) * pos.Quantity
		if state.Equity > 0 && -unrealized >= o.cfg.Stops.MaxPosLossFrac*state.Equity {
			o.metrics.MaxLossExits.Inc()
			log.Info().Str("asset", asset).Float64("loss", unrealized).
				Msg("max position loss cap hit")
			exits = append(exits, Exit{Asset: asset, Quantity: pos.Quantity, Reason: domain.ReasonMaxLoss})
		}
	}
	return exits
}

// ExposureScalar returns the multiplicative de-risking factor for the current
// drawdown, applied to target weights after tier-cap clamping. The scalar is
// never above 1, so the overlay can only reduce exposure.
func (o *Overlay) ExposureScalar(state *domain.PortfolioState) (float64, DrawdownTier) {
	dd := state.Drawdown()
	switch {
	case dd >= o.cfg.Risk.HardDrawdown:
		o.metrics.DrawdownScaling.WithLabelValues(string(TierHard)).Inc()
		log.Warn().Float64("drawdown", dd).Float64("scale", o.cfg.Risk.HardScale).
			Msg("hard drawdown threshold crossed")
		return o.cfg.Risk.HardScale, TierHard
	case dd >= o.cfg.Risk.SoftDrawdown:
		o.metrics.DrawdownScaling.WithLabelValues(string(TierSoft)).Inc()
		log.Warn().Float64("drawdown", dd).Float64("scale", o.cfg.Risk.SoftScale).
			Msg("soft drawdown threshold crossed")
		return o.cfg.Risk.SoftScale, TierSoft
	default:
		return 1.0, TierNone
	}
}
