package domain

import (
	"sort"
	"time"
)

// Regime is the discrete market-condition label driving cash buffer and
// position-count policy.
type Regime int

const (
	Trend Regime = iota
	Chop
	Down
)

func (r Regime) String() string {
	switch r {
	case Trend:
		return "trend"
	case Chop:
		return "chop"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// VolBucket classifies current volatility. It scales stop distances only and
// never affects portfolio membership.
type VolBucket int

const (
	VolLow VolBucket = iota
	VolMid
	VolHigh
)

func (v VolBucket) String() string {
	switch v {
	case VolLow:
		return "low"
	case VolMid:
		return "mid"
	case VolHigh:
		return "high"
	default:
		return "unknown"
	}
}

// RegimeState is the classifier output for a single step. It is recomputed
// every step and carries no persistence.
type RegimeState struct {
	Label   Regime    `json:"label"`
	Vol     VolBucket `json:"vol"`
	Breadth float64   `json:"breadth"` // fraction of tracked assets above their trend filter
}

// Side is the trade direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Asset describes a tradable instrument and its exchange granularity rules.
type Asset struct {
	ID          string  `json:"id" yaml:"id"`
	Tier        int     `json:"tier" yaml:"tier"` // 1, 2 or 3; determines weight caps
	PricePrec   int     `json:"price_prec" yaml:"price_prec"`
	QtyPrec     int     `json:"qty_prec" yaml:"qty_prec"`
	MinNotional float64 `json:"min_notional" yaml:"min_notional"`
}

// Bar is one OHLCV candle for one asset at one step.
type Bar struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Signal is a scored asset candidate handed to the weight builder. Vol is the
// realized volatility used for inverse-vol sizing.
type Signal struct {
	Asset string  `json:"asset"`
	Score float64 `json:"score"`
	Vol   float64 `json:"vol"`
	Tier  int     `json:"tier"`
}

// Position is an open long holding. Stop levels are maintained by the risk
// overlay; TrailingStop is monotone non-decreasing once TrailArmed.
type Position struct {
	Asset        string    `json:"asset" msgpack:"asset"`
	Quantity     float64   `json:"quantity" msgpack:"quantity"`
	AvgEntry     float64   `json:"avg_entry" msgpack:"avg_entry"`
	InitialStop  float64   `json:"initial_stop" msgpack:"initial_stop"`
	TrailingStop float64   `json:"trailing_stop" msgpack:"trailing_stop"`
	TrailArmed   bool      `json:"trail_armed" msgpack:"trail_armed"`
	PeakPrice    float64   `json:"peak_price" msgpack:"peak_price"` // highest favorable price since entry
	EntryATR     float64   `json:"entry_atr" msgpack:"entry_atr"`
	EntryTime    time.Time `json:"entry_time" msgpack:"entry_time"`
	BuyFees      float64   `json:"buy_fees" msgpack:"buy_fees"` // unattributed buy fees carried on the open quantity
}

// StopLevel returns the effective stop: the tighter of initial and trailing.
func (p *Position) StopLevel() float64 {
	if p.TrailArmed && p.TrailingStop > p.InitialStop {
		return p.TrailingStop
	}
	return p.InitialStop
}

// PortfolioState is the single mutable object of the engine. It is owned by
// the execution simulator; every other component works on read-only views.
type PortfolioState struct {
	Cash       float64              `json:"cash" msgpack:"cash"`
	Positions  map[string]*Position `json:"positions" msgpack:"positions"`
	Equity     float64              `json:"equity" msgpack:"equity"`
	PeakEquity float64              `json:"peak_equity" msgpack:"peak_equity"`
	// LastTrade tracks the step index of the most recent fill per asset,
	// backing the gate's cooldown window.
	LastTrade map[string]int `json:"last_trade" msgpack:"last_trade"`
}

// NewPortfolioState creates a fresh all-cash state.
func NewPortfolioState(initialCash float64) *PortfolioState {
	return &PortfolioState{
		Cash:       initialCash,
		Positions:  make(map[string]*Position),
		Equity:     initialCash,
		PeakEquity: initialCash,
		LastTrade:  make(map[string]int),
	}
}

// MarkToMarket recomputes equity from cash plus position value at the given
// prices and advances the running peak.
func (ps *PortfolioState) MarkToMarket(prices map[string]float64) {
	equity := ps.Cash
	for asset, pos := range ps.Positions {
		if px, ok := prices[asset]; ok {
			equity += pos.Quantity * px
		} else {
			equity += pos.Quantity * pos.AvgEntry
		}
	}
	ps.Equity = equity
	if equity > ps.PeakEquity {
		ps.PeakEquity = equity
	}
}

// Drawdown returns the current decline from peak equity in [0, 1].
func (ps *PortfolioState) Drawdown() float64 {
	if ps.PeakEquity <= 0 {
		return 0
	}
	dd := 1 - ps.Equity/ps.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// CurrentWeights derives the observed weight vector from positions and the
// latest prices. Assets without a price fall back to their entry mark.
func (ps *PortfolioState) CurrentWeights(prices map[string]float64) map[string]float64 {
	w := make(map[string]float64, len(ps.Positions))
	if ps.Equity <= 0 {
		return w
	}
	for asset, pos := range ps.Positions {
		px, ok := prices[asset]
		if !ok {
			px = pos.AvgEntry
		}
		w[asset] = pos.Quantity * px / ps.Equity
	}
	return w
}

// Clone returns a deep copy, used to hand read-only snapshots to components
// outside the execution simulator.
func (ps *PortfolioState) Clone() *PortfolioState {
	cp := &PortfolioState{
		Cash:       ps.Cash,
		Equity:     ps.Equity,
		PeakEquity: ps.PeakEquity,
		Positions:  make(map[string]*Position, len(ps.Positions)),
		LastTrade:  make(map[string]int, len(ps.LastTrade)),
	}
	for k, v := range ps.Positions {
		pv := *v
		cp.Positions[k] = &pv
	}
	for k, v := range ps.LastTrade {
		cp.LastTrade[k] = v
	}
	return cp
}

// TargetWeights maps asset ID to desired fraction of equity.
type TargetWeights map[string]float64

// Sum returns total allocated weight.
func (tw TargetWeights) Sum() float64 {
	total := 0.0
	for _, w := range tw {
		total += w
	}
	return total
}

// Scale multiplies every weight by s, returning a new vector. Used by the
// drawdown overlay; s must be in [0, 1] so exposure never increases.
func (tw TargetWeights) Scale(s float64) TargetWeights {
	out := make(TargetWeights, len(tw))
	for k, v := range tw {
		out[k] = v * s
	}
	return out
}

// SortedAssets returns the asset IDs in ascending order. All per-asset
// iteration in the engine goes through this to keep runs reproducible.
func (tw TargetWeights) SortedAssets() []string {
	ids := make([]string, 0, len(tw))
	for k := range tw {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

// TradeReason records why a fill happened, for the audit trail.
type TradeReason string

const (
	ReasonRebalance TradeReason = "rebalance"
	ReasonStopLoss  TradeReason = "stop_loss"
	ReasonMaxLoss   TradeReason = "max_loss"
	ReasonDeRisk    TradeReason = "de_risk"
)

// Trade is one executed fill. Clamped marks fills whose quantity was reduced
// to the feasible maximum (cash or held-quantity bound).
type Trade struct {
	ID          string      `json:"id" db:"id"`
	Timestamp   time.Time   `json:"ts" db:"ts"`
	Asset       string      `json:"asset" db:"asset"`
	Side        Side        `json:"side" db:"side"`
	Quantity    float64     `json:"qty" db:"qty"`
	Price       float64     `json:"price" db:"price"`
	Fee         float64     `json:"fee" db:"fee"`
	RealizedPnL float64     `json:"realized_pnl" db:"realized_pnl"` // sells only
	Reason      TradeReason `json:"reason" db:"reason"`
	Clamped     bool        `json:"clamped" db:"clamped"`
}

// Notional returns the gross fill value before fees.
func (t Trade) Notional() float64 {
	return t.Quantity * t.Price
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"ts"`
	Equity    float64   `json:"equity"`
	Drawdown  float64   `json:"drawdown"` // from running peak, in [0, 1]
}

// Summary aggregates a finished run for the reporting layer.
type Summary struct {
	InitialEquity float64 `json:"initial_equity"`
	FinalEquity   float64 `json:"final_equity"`
	TotalReturn   float64 `json:"total_return"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	Sharpe        float64 `json:"sharpe"`
	TradeCount    int     `json:"trade_count"`
	TotalFees     float64 `json:"total_fees"`
	Steps         int     `json:"steps"`
}
