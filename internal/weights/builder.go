// Package weights turns scored candidates into a feasible target portfolio.
// The builder filters by score threshold, keeps the regime's top-K, sizes
// inverse-volatility with a score tilt, normalizes to the investable fraction
// and clamps to tier caps plus the tier-3 sleeve. Weight removed by clamping
// becomes cash; it is never redistributed to other assets. Caps bound risk,
// they do not guarantee full deployment.
package weights

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
)

// volFloor avoids division blow-ups for near-zero realized volatility.
const volFloor = 1e-3

// Builder constructs target weight vectors.
type Builder struct {
	cfg *config.Config
}

// NewBuilder creates a weight builder bound to the validated configuration.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build produces the target weight vector for the current step.
//
// Candidates with scores below the threshold are dropped; missing or stale
// scores never reach this function (the clock excludes them upstream). If no
// candidate survives, the result is the empty all-cash vector, not an error.
// Ties in score break by asset ID so identical inputs always produce
// identical output.
func (b *Builder) Build(signals []domain.Signal, regime domain.RegimeState) domain.TargetWeights {
	selected := b.selectTopK(signals, regime)
	if len(selected) == 0 {
		return domain.TargetWeights{}
	}

	investable := 1 - b.cfg.CashBuffer(regime.Label)

	// Inverse-vol base weights with score tilt.
	raw := make([]float64, len(selected))
	totalRaw := 0.0
	for i, sig := range selected {
		vol := sig.Vol
		if vol < volFloor {
			vol = volFloor
		}
		w := sig.Score / vol
		if w < 0 {
			w = 0
		}
		raw[i] = w
		totalRaw += w
	}
	if totalRaw <= 0 {
		return domain.TargetWeights{}
	}

	target := make(domain.TargetWeights, len(selected))
	sleeveUsed := 0.0
	for i, sig := range selected {
		w := investable * raw[i] / totalRaw

		if cap := b.cfg.TierCap(sig.Tier); w > cap {
			w = cap
		}
		if sig.Tier == 3 {
			room := b.cfg.Sizing.SleeveTier3Max - sleeveUsed
			if room < 0 {
				room = 0
			}
			if w > room {
				log.Debug().Str("asset", sig.Asset).Float64("weight", w).Float64("room", room).
					Msg("tier-3 sleeve clamp")
				w = room
			}
			sleeveUsed += w
		}
		if w <= 0 {
			continue
		}
		target[sig.Asset] = w
	}
	return target
}

// selectTopK filters by score threshold and keeps the regime's top-K,
// ranked by score descending with asset-ID tie-breaking.
func (b *Builder) selectTopK(signals []domain.Signal, regime domain.RegimeState) []domain.Signal {
	survivors := make([]domain.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.Score < b.cfg.Signals.ScoreThreshold {
			continue
		}
		survivors = append(survivors, sig)
	}
	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].Score != survivors[j].Score {
			return survivors[i].Score > survivors[j].Score
		}
		return survivors[i].Asset < survivors[j].Asset
	})

	k := b.cfg.TopK(regime.Label)
	if len(survivors) > k {
		survivors = survivors[:k]
	}
	return survivors
}
