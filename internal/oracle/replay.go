package oracle

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"
)

// Replay serves precomputed model scores from a file, the model-backed
// counterpart to the heuristic fallback. Scores apply at or after their own
// timestamp and go stale once MaxAge passes, after which the asset reports
// absent.
type Replay struct {
	maxAge time.Duration
	series map[string][]scorePoint
}

type scorePoint struct {
	ts    time.Time
	score float64
}

// NewReplay loads a score file. Format: CSV rows of
// `unix_seconds,asset,score` in any order; a header row is skipped.
func NewReplay(path string, maxAge time.Duration) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scores %s: %w", path, err)
	}
	defer f.Close()

	r := &Replay{maxAge: maxAge, series: make(map[string][]scorePoint)}
	reader := csv.NewReader(f)
	line := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read scores %s: %w", path, err)
		}
		line++
		if len(rec) != 3 {
			return nil, fmt.Errorf("scores %s line %d: want 3 fields, got %d", path, line, len(rec))
		}
		unix, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("scores %s line %d: bad timestamp: %w", path, line, err)
		}
		score, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("scores %s line %d: bad score: %w", path, line, err)
		}
		asset := rec[1]
		r.series[asset] = append(r.series[asset], scorePoint{ts: time.Unix(unix, 0).UTC(), score: score})
	}
	for asset := range r.series {
		pts := r.series[asset]
		sort.Slice(pts, func(i, j int) bool { return pts[i].ts.Before(pts[j].ts) })
		r.series[asset] = pts
	}
	return r, nil
}

func (r *Replay) Name() string { return "replay" }

// Score returns the most recent score at or before ts, absent if none exists
// or the latest one is older than the staleness window.
func (r *Replay) Score(asset string, ts time.Time) (float64, bool) {
	pts := r.series[asset]
	if len(pts) == 0 {
		return 0, false
	}
	// First point strictly after ts; the one before it applies.
	i := sort.Search(len(pts), func(i int) bool { return pts[i].ts.After(ts) })
	if i == 0 {
		return 0, false
	}
	pt := pts[i-1]
	if r.maxAge > 0 && ts.Sub(pt.ts) > r.maxAge {
		return 0, false
	}
	return pt.score, true
}
