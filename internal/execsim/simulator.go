// Package execsim converts approved quantity deltas into fills and is the
// only writer of PortfolioState. Fills respect per-asset price and quantity
// precision, charge basis-point fees, and clamp infeasible orders to the
// affordable or held maximum rather than failing; clamps are recorded on the
// trade for auditability.
package execsim

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/gate"
	"github.com/quantbench/rebalancer/internal/telemetry"
)

// tradeNamespace seeds deterministic v5 trade IDs. Identical inputs must
// yield byte-identical ledgers, so random IDs are off the table.
var tradeNamespace = uuid.MustParse("6f1c24b8-9a6e-4d7b-8b1f-2d9c0a3e5f41")

// Simulator executes orders against PortfolioState.
type Simulator struct {
	cfg     *config.Config
	metrics *telemetry.Metrics
	seq     uint64
}

// New creates an execution simulator.
func New(cfg *config.Config, metrics *telemetry.Metrics) *Simulator {
	return &Simulator{cfg: cfg, metrics: metrics}
}

// Apply executes the orders in their given sequence. Each fill immediately
// moves cash, so earlier buys constrain later ones within the same pass.
// Orders that round or clamp to nothing are dropped silently; every executed
// fill stamps the asset's cooldown clock.
func (s *Simulator) Apply(state *domain.PortfolioState, orders []gate.Order, prices map[string]float64, entryATR map[string]float64, ts time.Time, step int) []domain.Trade {
	trades := make([]domain.Trade, 0, len(orders))
	for _, ord := range orders {
		price, ok := prices[ord.Asset]
		if !ok || price <= 0 {
			continue
		}
		asset, ok := s.cfg.AssetByID(ord.Asset)
		if !ok {
			continue
		}
		price = roundTo(price, asset.PricePrec)

		var trade *domain.Trade
		if ord.DeltaQty > 0 {
			trade = s.buy(state, asset, ord.DeltaQty, price, ts, entryATR[ord.Asset], ord.Reason)
		} else {
			trade = s.sell(state, asset, -ord.DeltaQty, price, ts, ord.Reason)
		}
		if trade == nil {
			continue
		}
		state.LastTrade[ord.Asset] = step
		s.metrics.TradesExecuted.WithLabelValues(string(trade.Side)).Inc()
		trades = append(trades, *trade)
	}
	return trades
}

// buy opens or adds to a position. Quantity is rounded down to the asset's
// precision and reduced to the affordable maximum when cash cannot cover
// cost plus fee. The entry price becomes the quantity-weighted average and
// the buy fee accrues on the position for later PnL attribution.
func (s *Simulator) buy(state *domain.PortfolioState, asset domain.Asset, qty, price float64, ts time.Time, atr float64, reason domain.TradeReason) *domain.Trade {
	feeRate := s.cfg.Exchange.FeeBps / 10000.0
	qty = roundDown(qty, asset.QtyPrec)
	if qty <= 0 {
		return nil
	}

	clamped := false
	cost := qty * price
	fee := cost * feeRate
	if cost+fee > state.Cash {
		affordable := roundDown(state.Cash/(price*(1+feeRate)), asset.QtyPrec)
		if affordable <= 0 {
			return nil
		}
		qty = affordable
		cost = qty * price
		fee = cost * feeRate
		clamped = true
		s.metrics.ClampedOrders.Inc()
		log.Debug().Str("asset", asset.ID).Float64("qty", qty).Msg("buy clamped to available cash")
	}

	state.Cash -= cost + fee

	pos, held := state.Positions[asset.ID]
	if !held {
		pos = &domain.Position{
			Asset:     asset.ID,
			AvgEntry:  price,
			PeakPrice: price,
			EntryATR:  atr,
			EntryTime: ts,
		}
		state.Positions[asset.ID] = pos
	} else {
		total := pos.Quantity + qty
		pos.AvgEntry = (pos.AvgEntry*pos.Quantity + price*qty) / total
	}
	pos.Quantity += qty
	pos.BuyFees += fee

	return s.record(asset.ID, domain.Buy, qty, price, fee, 0, ts, reason, clamped)
}

// sell reduces or closes a position. Quantity clamps to the held amount;
// realized PnL nets out the proportional share of accrued buy fees plus the
// sell fee. Positions are removed from the state when quantity reaches zero.
func (s *Simulator) sell(state *domain.PortfolioState, asset domain.Asset, qty, price float64, ts time.Time, reason domain.TradeReason) *domain.Trade {
	pos, held := state.Positions[asset.ID]
	if !held || pos.Quantity <= 0 {
		return nil
	}
	feeRate := s.cfg.Exchange.FeeBps / 10000.0

	clamped := false
	if qty > pos.Quantity {
		qty = pos.Quantity
		clamped = true
		s.metrics.ClampedOrders.Inc()
	}
	// A near-full sell whose remainder would fall below one quantity step
	// closes the position entirely instead of leaving a zombie remainder.
	if pos.Quantity-qty < math.Pow(10, -float64(asset.QtyPrec)) {
		qty = pos.Quantity
	} else {
		qty = roundDown(qty, asset.QtyPrec)
	}
	if qty <= 0 {
		return nil
	}

	revenue := qty * price
	fee := revenue * feeRate
	buyFeeShare := pos.BuyFees * (qty / pos.Quantity)
	realized := (price-pos.AvgEntry)*qty - buyFeeShare - fee

	state.Cash += revenue - fee
	pos.BuyFees -= buyFeeShare
	pos.Quantity -= qty
	if pos.Quantity <= 0 {
		delete(state.Positions, asset.ID)
	}

	return s.record(asset.ID, domain.Sell, qty, price, fee, realized, ts, reason, clamped)
}

func (s *Simulator) record(asset string, side domain.Side, qty, price, fee, realized float64, ts time.Time, reason domain.TradeReason, clamped bool) *domain.Trade {
	s.seq++
	id := uuid.NewSHA1(tradeNamespace, []byte(fmt.Sprintf("%d|%s|%s|%d", s.seq, asset, side, ts.UnixNano())))
	return &domain.Trade{
		ID:          id.String(),
		Timestamp:   ts,
		Asset:       asset,
		Side:        side,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		RealizedPnL: realized,
		Reason:      reason,
		Clamped:     clamped,
	}
}

// roundTo rounds half away from zero at the given decimal precision.
func roundTo(v float64, prec int) float64 {
	p := math.Pow(10, float64(prec))
	return math.Round(v*p) / p
}

// roundDown truncates toward zero at the given decimal precision, matching
// exchange order-size granularity. A small epsilon absorbs float error so a
// quantity that is exactly on a step is not knocked down one step.
func roundDown(v float64, prec int) float64 {
	p := math.Pow(10, float64(prec))
	return math.Floor(v*p+1e-9) / p
}
