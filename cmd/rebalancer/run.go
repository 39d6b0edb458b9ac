package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantbench/rebalancer/internal/config"
	"github.com/quantbench/rebalancer/internal/domain"
	"github.com/quantbench/rebalancer/internal/features"
	"github.com/quantbench/rebalancer/internal/feed"
	"github.com/quantbench/rebalancer/internal/ledger"
	"github.com/quantbench/rebalancer/internal/oracle"
	"github.com/quantbench/rebalancer/internal/report"
	"github.com/quantbench/rebalancer/internal/sim"
	"github.com/quantbench/rebalancer/internal/state"
	"github.com/quantbench/rebalancer/internal/telemetry"
)

const stateKey = "portfolio"

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.Ops.LogLevel)

	// Feed selection.
	var f feed.Feed
	if synth, _ := cmd.Flags().GetBool("synth"); synth {
		steps, _ := cmd.Flags().GetInt("synth-steps")
		f = feed.Synthetic(cfg.Universe, feed.SyntheticParams{Steps: steps, Seed: cfg.Ops.Seed})
		log.Info().Int("steps", steps).Int64("seed", cfg.Ops.Seed).Msg("using synthetic feed")
	} else {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if dataDir == "" {
			return fmt.Errorf("either --data-dir or --synth is required")
		}
		f, err = feed.LoadCSVDir(dataDir, cfg.Universe)
		if err != nil {
			return err
		}
	}

	metrics := telemetry.New()
	feats := features.NewEngine(cfg)

	// Oracle selection happens once, here; the engine never branches on it.
	var orc oracle.Oracle
	if scoresPath, _ := cmd.Flags().GetString("scores"); scoresPath != "" {
		maxAge, _ := cmd.Flags().GetDuration("score-max-age")
		orc, err = oracle.NewReplay(scoresPath, maxAge)
		if err != nil {
			return err
		}
	} else {
		orc = oracle.NewHeuristic(cfg, feats)
	}
	log.Info().Str("oracle", orc.Name()).Msg("oracle selected")

	clock, err := sim.New(cfg, feats, orc, metrics)
	if err != nil {
		return err
	}

	// State persistence.
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	ps := domain.NewPortfolioState(cfg.Ops.InitialCash)
	if store != nil {
		snap, err := store.Load(ctx, stateKey)
		switch {
		case err == nil:
			ps = snap.Portfolio
			log.Info().Str("run_id", snap.RunID).Time("saved_at", snap.SavedAt).
				Float64("equity", ps.Equity).Msg("resumed portfolio state")
		case errors.Is(err, state.ErrNotFound):
			log.Info().Msg("no saved state, starting fresh")
		default:
			return err
		}
	}

	runID := uuid.New().String()
	startedAt := time.Now().UTC()
	result, err := clock.Run(ctx, f, ps)
	if err != nil {
		return err
	}
	summary := report.Summarize(result)

	log.Info().
		Str("run_id", runID).
		Int("steps", summary.Steps).
		Int("trades", summary.TradeCount).
		Float64("total_return", summary.TotalReturn).
		Float64("max_drawdown", summary.MaxDrawdown).
		Float64("total_fees", summary.TotalFees).
		Float64("sharpe", summary.Sharpe).
		Msg("backtest complete")

	if store != nil {
		snap := &state.Snapshot{RunID: runID, SavedAt: time.Now().UTC(), Portfolio: result.Final}
		if err := store.Save(ctx, stateKey, snap); err != nil {
			return err
		}
	}

	outDir, _ := cmd.Flags().GetString("out-dir")
	if err := writeOutputs(outDir, result, summary); err != nil {
		return err
	}

	if dsn, _ := cmd.Flags().GetString("ledger-dsn"); dsn != "" {
		repo, err := ledger.Open(ctx, dsn)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.RecordRun(ctx, runID, startedAt, time.Now().UTC(), orc.Name(), summary, result.Trades); err != nil {
			return err
		}
		log.Info().Str("run_id", runID).Msg("run archived to ledger")
	}
	return nil
}

func openStore(cmd *cobra.Command) (state.Store, error) {
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		return state.NewRedisStore(client), nil
	}
	if dir, _ := cmd.Flags().GetString("state-dir"); dir != "" {
		return state.NewFileStore(dir)
	}
	return nil, nil
}

func writeOutputs(outDir string, result *sim.Result, summary domain.Summary) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir %s: %w", outDir, err)
	}
	if err := report.WriteTradesCSV(filepath.Join(outDir, "trades.csv"), result.Trades); err != nil {
		return err
	}
	if err := report.WriteEquityCSV(filepath.Join(outDir, "equity.csv"), result.Equity); err != nil {
		return err
	}
	return report.WriteSummaryJSON(filepath.Join(outDir, "summary.json"), summary, result.Counters)
}

func runSynth(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.Ops.LogLevel)
	steps, _ := cmd.Flags().GetInt("steps")
	outDir, _ := cmd.Flags().GetString("out-dir")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir %s: %w", outDir, err)
	}

	f := feed.Synthetic(cfg.Universe, feed.SyntheticParams{Steps: steps, Seed: cfg.Ops.Seed})
	series := make(map[string][][]string)
	for {
		st, ok := f.Next()
		if !ok {
			break
		}
		for asset, bar := range st.Bars {
			series[asset] = append(series[asset], []string{
				strconv.FormatInt(bar.Timestamp.Unix(), 10),
				fmtF(bar.Open), fmtF(bar.High), fmtF(bar.Low), fmtF(bar.Close), fmtF(bar.Volume),
			})
		}
	}
	for asset, rows := range series {
		path := filepath.Join(outDir, strings.ReplaceAll(asset, "/", "_")+".csv")
		if err := writeCSV(path, rows); err != nil {
			return err
		}
	}
	log.Info().Int("assets", len(series)).Int("steps", steps).Str("dir", outDir).
		Msg("synthetic history written")
	return nil
}

func writeCSV(path string, rows [][]string) error {
	fl, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer fl.Close()
	w := csv.NewWriter(fl)
	defer w.Flush()
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

func fmtF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func applyLogLevel(level string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
}
