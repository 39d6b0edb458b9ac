// Package state persists PortfolioState and its stop/cooldown bookkeeping
// between runs. The contract is an opaque key-value blob: callers choose the
// backend, the engine neither knows nor cares which one is behind the
// interface.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantbench/rebalancer/internal/domain"
)

// ErrNotFound reports an absent snapshot; callers start a fresh state.
var ErrNotFound = errors.New("state: snapshot not found")

// Snapshot is the persisted unit: the portfolio plus run identity.
type Snapshot struct {
	RunID     string                 `msgpack:"run_id"`
	SavedAt   time.Time              `msgpack:"saved_at"`
	Portfolio *domain.PortfolioState `msgpack:"portfolio"`
}

// Store is the key-value blob contract.
type Store interface {
	Save(ctx context.Context, key string, snap *Snapshot) error
	Load(ctx context.Context, key string) (*Snapshot, error)
	Delete(ctx context.Context, key string) error
}

// Encode serializes a snapshot to its wire form.
func Encode(snap *Snapshot) ([]byte, error) {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("state: encode snapshot: %w", err)
	}
	return data, nil
}

// Decode deserializes a snapshot from its wire form.
func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state: decode snapshot: %w", err)
	}
	if snap.Portfolio != nil {
		if snap.Portfolio.Positions == nil {
			snap.Portfolio.Positions = make(map[string]*domain.Position)
		}
		if snap.Portfolio.LastTrade == nil {
			snap.Portfolio.LastTrade = make(map[string]int)
		}
	}
	return &snap, nil
}
