// Package oracle defines the predictive scoring boundary. The engine treats
// scores as opaque scalars from an external source; which implementation
// backs the interface is decided once at startup, never branched on inside
// the pipeline.
package oracle

import "time"

// Oracle supplies a per-asset predictive score at a timestamp. The second
// return is false when no score is available; the engine treats that as
// "no signal" and leaves any open position to the risk overlay.
type Oracle interface {
	// Name identifies the implementation for logs and reports.
	Name() string

	// Score returns the asset's score at ts, or false if absent or stale.
	// There is no stability guarantee between calls.
	Score(asset string, ts time.Time) (float64, bool)
}
