// Package ledger archives finished runs to Postgres so trade histories can
// be compared across configurations. It is optional: the backtest runs fully
// in memory and only writes here when a DSN is supplied.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quantbench/rebalancer/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	oracle       TEXT NOT NULL,
	total_return DOUBLE PRECISION NOT NULL,
	max_drawdown DOUBLE PRECISION NOT NULL,
	trade_count  INTEGER NOT NULL,
	total_fees   DOUBLE PRECISION NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(run_id),
	ts           TIMESTAMPTZ NOT NULL,
	asset        TEXT NOT NULL,
	side         TEXT NOT NULL,
	qty          DOUBLE PRECISION NOT NULL,
	price        DOUBLE PRECISION NOT NULL,
	fee          DOUBLE PRECISION NOT NULL,
	realized_pnl DOUBLE PRECISION NOT NULL,
	reason       TEXT NOT NULL,
	clamped      BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_run_ts_idx ON trades (run_id, ts);
`

// Postgres is the sqlx-backed ledger repository.
type Postgres struct {
	db *sqlx.DB
}

// Open connects and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ensure schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// RecordRun writes the run header and its full trade list in one
// transaction, so a partially archived run can never be observed.
func (p *Postgres) RecordRun(ctx context.Context, runID string, startedAt, finishedAt time.Time, oracleName string, summary domain.Summary, trades []domain.Trade) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, finished_at, oracle, total_return, max_drawdown, trade_count, total_fees)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		runID, startedAt, finishedAt, oracleName,
		summary.TotalReturn, summary.MaxDrawdown, summary.TradeCount, summary.TotalFees)
	if err != nil {
		return fmt.Errorf("ledger: insert run: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO trades (id, run_id, ts, asset, side, qty, price, fee, realized_pnl, reason, clamped)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("ledger: prepare trades: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, t.ID, runID, t.Timestamp, t.Asset, string(t.Side),
			t.Quantity, t.Price, t.Fee, t.RealizedPnL, string(t.Reason), t.Clamped); err != nil {
			return fmt.Errorf("ledger: insert trade %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// Trades returns a run's fills in execution order.
func (p *Postgres) Trades(ctx context.Context, runID string) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := p.db.SelectContext(ctx, &trades,
		`SELECT id, ts, asset, side, qty, price, fee, realized_pnl, reason, clamped
		 FROM trades WHERE run_id = $1 ORDER BY ts, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list trades: %w", err)
	}
	return trades, nil
}
