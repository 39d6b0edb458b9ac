// Package config holds the single immutable configuration surface for the
// rebalancing engine. It is loaded and validated once at startup and injected
// into every component; nothing reads configuration ad hoc mid-run.
package config

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/quantbench/rebalancer/internal/domain"
)

// SignalsConfig controls candidate selection and rebalance gating.
type SignalsConfig struct {
	ScoreThreshold  float64 `yaml:"score_threshold"`  // minimum oracle score to be considered
	TopKTrend       int     `yaml:"top_k_trend"`      // positions kept in trend regime
	TopKChop        int     `yaml:"top_k_chop"`       // positions kept in chop regime
	TopKDown        int     `yaml:"top_k_down"`       // positions kept in down regime
	HysteresisFull  float64 `yaml:"hysteresis_full"`  // weight-change floor at full rebalances
	HysteresisTight float64 `yaml:"hysteresis_tight"` // weight-change floor at intraday checks
	CooldownSteps   int     `yaml:"cooldown_steps"`   // no re-trade window per asset
}

// SizingConfig controls capital allocation caps and buffers.
type SizingConfig struct {
	CashBufferTrend float64 `yaml:"cash_buffer_trend"`
	CashBufferChop  float64 `yaml:"cash_buffer_chop"`
	CashBufferDown  float64 `yaml:"cash_buffer_down"`
	CapTier1        float64 `yaml:"cap_tier1"`
	CapTier2        float64 `yaml:"cap_tier2"`
	CapTier3        float64 `yaml:"cap_tier3"`
	SleeveTier3Max  float64 `yaml:"sleeve_tier3_max"` // aggregate cap across all tier-3 assets
}

// StopsConfig controls the per-position stop ladder.
type StopsConfig struct {
	ATRInit        float64 `yaml:"atr_init"`         // initial stop distance in ATR multiples
	ATRArm         float64 `yaml:"atr_arm"`          // unrealized gain (ATR multiples) that arms trailing
	ATRTrail       float64 `yaml:"atr_trail"`        // trailing distance in ATR multiples
	MaxPosLossFrac float64 `yaml:"max_pos_loss_frac"` // hard per-position loss cap as fraction of equity
	VolScaleLow    float64 `yaml:"vol_scale_low"`    // stop-distance scalar in low-vol bucket
	VolScaleMid    float64 `yaml:"vol_scale_mid"`
	VolScaleHigh   float64 `yaml:"vol_scale_high"`
}

// RiskConfig controls the portfolio-level drawdown overlay.
type RiskConfig struct {
	SoftDrawdown float64 `yaml:"soft_drawdown"` // e.g. 0.08
	HardDrawdown float64 `yaml:"hard_drawdown"` // e.g. 0.15
	SoftScale    float64 `yaml:"soft_scale"`    // weight multiplier past soft threshold
	HardScale    float64 `yaml:"hard_scale"`    // weight multiplier past hard threshold
}

// ExchangeConfig describes execution economics.
type ExchangeConfig struct {
	FeeBps      float64 `yaml:"fee_bps"`       // taker fee in basis points
	MinOrderUSD float64 `yaml:"min_order_usd"` // trade notional floor
	SlippageBps float64 `yaml:"slippage_bps"`  // estimate used by the heuristic oracle cost filter
}

// RegimeConfig controls classification thresholds.
type RegimeConfig struct {
	BreadthDownMax  float64 `yaml:"breadth_down_max"`  // breadth below this classifies down
	BreadthTrendMin float64 `yaml:"breadth_trend_min"` // breadth above this classifies trend
	VolLowMax       float64 `yaml:"vol_low_max"`       // realized vol cutoffs for buckets
	VolMidMax       float64 `yaml:"vol_mid_max"`
	ReferenceAsset  string  `yaml:"reference_asset"` // asset whose trend filter can force down
}

// DataConfig describes feature windows and the minimum history contract.
// MinHistoryBars must cover every window here; Validate enforces that so the
// feature engine never computes on a series shorter than its longest lookback.
type DataConfig struct {
	ATRPeriod      int `yaml:"atr_period"`
	EMAFast        int `yaml:"ema_fast"`
	EMASlow        int `yaml:"ema_slow"`
	RSIPeriod      int `yaml:"rsi_period"`
	RealizedVolWin int `yaml:"realized_vol_win"`
	MinHistoryBars int `yaml:"min_history_bars"` // engine is no-op until this many bars exist
}

// SchedulingConfig defines the two cadences of the clock.
type SchedulingConfig struct {
	IntradaySteps int    `yaml:"intraday_steps"`  // risk/tight-gate check every N steps
	RebalanceCron string `yaml:"rebalance_cron"`  // full-pipeline boundary, cron expression (UTC)
}

// OpsConfig holds run-level operational settings.
type OpsConfig struct {
	InitialCash float64 `yaml:"initial_cash"`
	LogLevel    string  `yaml:"log_level"`
	Seed        int64   `yaml:"seed"` // synthetic feed only; the engine itself is deterministic
}

// Config is the complete configuration surface, one struct, validated once.
type Config struct {
	Universe   []domain.Asset   `yaml:"universe"`
	Signals    SignalsConfig    `yaml:"signals"`
	Sizing     SizingConfig     `yaml:"sizing"`
	Stops      StopsConfig      `yaml:"stops"`
	Risk       RiskConfig       `yaml:"risk"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Regime     RegimeConfig     `yaml:"regime"`
	Data       DataConfig       `yaml:"data"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Ops        OpsConfig        `yaml:"ops"`
}

// Default returns a production-shaped configuration.
func Default() *Config {
	return &Config{
		Universe: []domain.Asset{
			{ID: "BTC/USD", Tier: 1, PricePrec: 2, QtyPrec: 5, MinNotional: 10},
			{ID: "ETH/USD", Tier: 1, PricePrec: 2, QtyPrec: 4, MinNotional: 10},
			{ID: "SOL/USD", Tier: 2, PricePrec: 3, QtyPrec: 2, MinNotional: 10},
			{ID: "LINK/USD", Tier: 2, PricePrec: 3, QtyPrec: 2, MinNotional: 10},
			{ID: "DOGE/USD", Tier: 3, PricePrec: 5, QtyPrec: 0, MinNotional: 10},
			{ID: "AVAX/USD", Tier: 3, PricePrec: 3, QtyPrec: 2, MinNotional: 10},
		},
		Signals: SignalsConfig{
			ScoreThreshold:  0.0005,
			TopKTrend:       4,
			TopKChop:        3,
			TopKDown:        2,
			HysteresisFull:  0.02,
			HysteresisTight: 0.05,
			CooldownSteps:   8,
		},
		Sizing: SizingConfig{
			CashBufferTrend: 0.10,
			CashBufferChop:  0.20,
			CashBufferDown:  0.40,
			CapTier1:        0.35,
			CapTier2:        0.20,
			CapTier3:        0.10,
			SleeveTier3Max:  0.15,
		},
		Stops: StopsConfig{
			ATRInit:        2.5,
			ATRArm:         0.8,
			ATRTrail:       2.0,
			MaxPosLossFrac: 0.03,
			VolScaleLow:    0.8,
			VolScaleMid:    1.0,
			VolScaleHigh:   1.3,
		},
		Risk: RiskConfig{
			SoftDrawdown: 0.08,
			HardDrawdown: 0.15,
			SoftScale:    0.5,
			HardScale:    0.2,
		},
		Exchange: ExchangeConfig{
			FeeBps:      10,
			MinOrderUSD: 25,
			SlippageBps: 3,
		},
		Regime: RegimeConfig{
			BreadthDownMax:  0.35,
			BreadthTrendMin: 0.60,
			VolLowMax:       0.40,
			VolMidMax:       0.80,
			ReferenceAsset:  "BTC/USD",
		},
		Data: DataConfig{
			ATRPeriod:      14,
			EMAFast:        50,
			EMASlow:        200,
			RSIPeriod:      14,
			RealizedVolWin: 96,
			MinHistoryBars: 200,
		},
		Scheduling: SchedulingConfig{
			IntradaySteps: 1,
			RebalanceCron: "0 0,8,16 * * *",
		},
		Ops: OpsConfig{
			InitialCash: 50000,
			LogLevel:    "info",
			Seed:        42,
		},
	}
}

// Load reads a YAML file over the defaults. Missing fields keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces configuration consistency. Any failure here is fatal at
// startup; no inconsistency may surface mid-run.
func (c *Config) Validate() error {
	if len(c.Universe) == 0 {
		return fmt.Errorf("config: universe is empty")
	}
	seen := make(map[string]bool, len(c.Universe))
	for _, a := range c.Universe {
		if a.ID == "" {
			return fmt.Errorf("config: asset with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate asset %s", a.ID)
		}
		seen[a.ID] = true
		if a.Tier < 1 || a.Tier > 3 {
			return fmt.Errorf("config: asset %s has invalid tier %d", a.ID, a.Tier)
		}
		if a.MinNotional < 0 {
			return fmt.Errorf("config: asset %s has negative min notional", a.ID)
		}
	}
	if c.Regime.ReferenceAsset != "" && !seen[c.Regime.ReferenceAsset] {
		return fmt.Errorf("config: reference asset %s not in universe", c.Regime.ReferenceAsset)
	}
	if c.Signals.TopKTrend <= 0 || c.Signals.TopKChop <= 0 || c.Signals.TopKDown <= 0 {
		return fmt.Errorf("config: top-k must be positive for every regime")
	}
	if c.Signals.HysteresisFull < 0 || c.Signals.HysteresisTight < 0 {
		return fmt.Errorf("config: hysteresis must be non-negative")
	}
	if c.Signals.CooldownSteps < 0 {
		return fmt.Errorf("config: cooldown_steps must be non-negative")
	}
	for name, buf := range map[string]float64{
		"cash_buffer_trend": c.Sizing.CashBufferTrend,
		"cash_buffer_chop":  c.Sizing.CashBufferChop,
		"cash_buffer_down":  c.Sizing.CashBufferDown,
	} {
		if buf < 0 || buf >= 1 {
			return fmt.Errorf("config: %s must be in [0, 1), got %v", name, buf)
		}
	}
	for name, cap := range map[string]float64{
		"cap_tier1": c.Sizing.CapTier1,
		"cap_tier2": c.Sizing.CapTier2,
		"cap_tier3": c.Sizing.CapTier3,
	} {
		if cap <= 0 || cap > 1 {
			return fmt.Errorf("config: %s must be in (0, 1], got %v", name, cap)
		}
	}
	if c.Sizing.SleeveTier3Max < c.Sizing.CapTier3 {
		return fmt.Errorf("config: sleeve_tier3_max %v below cap_tier3 %v", c.Sizing.SleeveTier3Max, c.Sizing.CapTier3)
	}
	if c.Stops.ATRInit <= 0 || c.Stops.ATRTrail <= 0 || c.Stops.ATRArm < 0 {
		return fmt.Errorf("config: ATR multipliers must be positive (init=%v arm=%v trail=%v)",
			c.Stops.ATRInit, c.Stops.ATRArm, c.Stops.ATRTrail)
	}
	if c.Stops.MaxPosLossFrac <= 0 || c.Stops.MaxPosLossFrac >= 1 {
		return fmt.Errorf("config: max_pos_loss_frac must be in (0, 1)")
	}
	if c.Risk.SoftDrawdown <= 0 || c.Risk.HardDrawdown <= c.Risk.SoftDrawdown {
		return fmt.Errorf("config: require 0 < soft_drawdown < hard_drawdown (soft=%v hard=%v)",
			c.Risk.SoftDrawdown, c.Risk.HardDrawdown)
	}
	if c.Risk.SoftScale <= 0 || c.Risk.SoftScale > 1 || c.Risk.HardScale <= 0 || c.Risk.HardScale > c.Risk.SoftScale {
		return fmt.Errorf("config: require 0 < hard_scale <= soft_scale <= 1 (soft=%v hard=%v)",
			c.Risk.SoftScale, c.Risk.HardScale)
	}
	if c.Exchange.FeeBps < 0 || c.Exchange.MinOrderUSD < 0 {
		return fmt.Errorf("config: exchange fees and minimums must be non-negative")
	}
	if c.Regime.BreadthTrendMin <= c.Regime.BreadthDownMax {
		return fmt.Errorf("config: breadth_trend_min must exceed breadth_down_max")
	}
	if c.Regime.VolMidMax <= c.Regime.VolLowMax {
		return fmt.Errorf("config: vol_mid_max must exceed vol_low_max")
	}
	if c.Data.ATRPeriod <= 0 || c.Data.EMAFast <= 0 || c.Data.EMASlow <= c.Data.EMAFast || c.Data.RSIPeriod <= 0 {
		return fmt.Errorf("config: feature windows invalid (atr=%d ema_fast=%d ema_slow=%d rsi=%d)",
			c.Data.ATRPeriod, c.Data.EMAFast, c.Data.EMASlow, c.Data.RSIPeriod)
	}
	// ATR and RSI need one seed bar beyond their period before the first
	// value exists; the slow EMA needs its full period.
	longest := c.Data.EMASlow
	if w := c.Data.ATRPeriod + 1; w > longest {
		longest = w
	}
	if w := c.Data.RSIPeriod + 1; w > longest {
		longest = w
	}
	if c.Data.MinHistoryBars < longest {
		return fmt.Errorf("config: min_history_bars %d below longest feature window %d",
			c.Data.MinHistoryBars, longest)
	}
	if c.Scheduling.IntradaySteps <= 0 {
		return fmt.Errorf("config: intraday_steps must be positive")
	}
	if _, err := cron.ParseStandard(c.Scheduling.RebalanceCron); err != nil {
		return fmt.Errorf("config: invalid rebalance_cron %q: %w", c.Scheduling.RebalanceCron, err)
	}
	if c.Ops.InitialCash <= 0 {
		return fmt.Errorf("config: initial_cash must be positive")
	}
	return nil
}

// AssetByID returns the universe entry for id.
func (c *Config) AssetByID(id string) (domain.Asset, bool) {
	for _, a := range c.Universe {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Asset{}, false
}

// CashBuffer returns the cash fraction reserved for the given regime.
func (c *Config) CashBuffer(r domain.Regime) float64 {
	switch r {
	case domain.Down:
		return c.Sizing.CashBufferDown
	case domain.Chop:
		return c.Sizing.CashBufferChop
	default:
		return c.Sizing.CashBufferTrend
	}
}

// TopK returns the position count allowed in the given regime.
func (c *Config) TopK(r domain.Regime) int {
	switch r {
	case domain.Down:
		return c.Signals.TopKDown
	case domain.Chop:
		return c.Signals.TopKChop
	default:
		return c.Signals.TopKTrend
	}
}

// TierCap returns the per-asset weight cap for a tier.
func (c *Config) TierCap(tier int) float64 {
	switch tier {
	case 1:
		return c.Sizing.CapTier1
	case 2:
		return c.Sizing.CapTier2
	default:
		return c.Sizing.CapTier3
	}
}

// StopVolScale returns the stop-distance scalar for a volatility bucket.
func (c *Config) StopVolScale(v domain.VolBucket) float64 {
	switch v {
	case domain.VolLow:
		return c.Stops.VolScaleLow
	case domain.VolHigh:
		return c.Stops.VolScaleHigh
	default:
		return c.Stops.VolScaleMid
	}
}
