package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "rebalancer"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Risk-constrained portfolio rebalancing backtester",
		Version: version,
		Long: `Rebalancer replays a multi-asset trading strategy over historical bars:
regime classification, score-driven target weights, hysteresis-gated
rebalancing, ATR stops and drawdown protection, with full fee accounting.
Runs are deterministic: identical inputs produce identical ledgers.`,
	}

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a backtest over CSV history or a seeded synthetic feed",
		RunE:  runBacktest,
	}
	backtestCmd.Flags().String("config", "", "YAML config file (defaults used when empty)")
	backtestCmd.Flags().String("data-dir", "", "directory of per-asset OHLCV CSV files")
	backtestCmd.Flags().Bool("synth", false, "use the seeded synthetic feed instead of CSV history")
	backtestCmd.Flags().Int("synth-steps", 2000, "number of synthetic bars per asset")
	backtestCmd.Flags().String("scores", "", "precomputed score CSV; empty selects the heuristic oracle")
	backtestCmd.Flags().Duration("score-max-age", 2*time.Hour, "staleness window for replayed scores")
	backtestCmd.Flags().String("state-dir", "", "resume/persist portfolio state in this directory")
	backtestCmd.Flags().String("redis", "", "redis address for state persistence (overrides --state-dir)")
	backtestCmd.Flags().String("ledger-dsn", "", "postgres DSN to archive the run (optional)")
	backtestCmd.Flags().String("out-dir", "out", "directory for trade ledger, equity curve and summary")

	genCmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate seeded synthetic OHLCV history as CSV files",
		RunE:  runSynth,
	}
	genCmd.Flags().String("config", "", "YAML config file (defaults used when empty)")
	genCmd.Flags().Int("steps", 2000, "number of bars per asset")
	genCmd.Flags().String("out-dir", "data", "output directory")

	rootCmd.AddCommand(backtestCmd, genCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
