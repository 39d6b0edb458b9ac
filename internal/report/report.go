// Package report condenses a finished run into summary statistics and flat
// files for the external reporting layer.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/sim"
)

// Periods per year for 30-minute bars; used only to annualize the Sharpe.
const periodsPerYear = 365 * 48

// Summarize computes the run summary from the equity curve and ledger.
func Summarize(result *sim.Result) domain.Summary {
	s := domain.Summary{
		TradeCount: len(result.Trades),
		Steps:      len(result.Equity),
	}
	for _, t := range result.Trades {
		s.TotalFees += t.Fee
	}
	if len(result.Equity) == 0 {
		return s
	}

	s.InitialEquity = result.Equity[0].Equity
	s.FinalEquity = result.Final.Equity
	if s.InitialEquity > 0 {
		s.TotalReturn = s.FinalEquity/s.InitialEquity - 1
	}
	for _, pt := range result.Equity {
		if pt.Drawdown > s.MaxDrawdown {
			s.MaxDrawdown = pt.Drawdown
		}
	}
	s.Sharpe = sharpe(result.Equity)
	return s
}

// sharpe annualizes mean/stddev of per-step equity returns.
func sharpe(curve []domain.EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1].Equity > 0 {
			rets = append(rets, curve[i].Equity/curve[i-1].Equity-1)
		}
	}
	if len(rets) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(rets, nil)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

// WriteTradesCSV writes the ordered trade ledger.
func WriteTradesCSV(path string, trades []domain.Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"id", "ts", "asset", "side", "qty", "price", "fee", "realized_pnl", "reason", "clamped"}); err != nil {
		return err
	}
	for _, t := range trades {
		rec := []string{
			t.ID,
			strconv.FormatInt(t.Timestamp.Unix(), 10),
			t.Asset,
			string(t.Side),
			formatF(t.Quantity),
			formatF(t.Price),
			formatF(t.Fee),
			formatF(t.RealizedPnL),
			string(t.Reason),
			strconv.FormatBool(t.Clamped),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Error()
}

// WriteEquityCSV writes the per-step equity curve.
func WriteEquityCSV(path string, curve []domain.EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"ts", "equity", "drawdown"}); err != nil {
		return err
	}
	for _, pt := range curve {
		if err := w.Write([]string{
			strconv.FormatInt(pt.Timestamp.Unix(), 10),
			formatF(pt.Equity),
			formatF(pt.Drawdown),
		}); err != nil {
			return err
		}
	}
	return w.Error()
}

// WriteSummaryJSON writes the summary plus the run's condition counters.
func WriteSummaryJSON(path string, summary domain.Summary, counters map[string]float64) error {
	payload := struct {
		Summary  domain.Summary     `json:"summary"`
		Counters map[string]float64 `json:"counters"`
	}{summary, counters}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal summary: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func formatF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
