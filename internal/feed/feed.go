// Package feed supplies ordered bar history to the simulation clock. The
// engine never performs I/O itself; it consumes whatever Feed it is handed.
package feed

import (
	"sort"
	"time"

	"github.com/quantbench/rebalancer/internal/domain"
)

// Step is one synchronized slice of market history: every asset that printed
// a bar at this timestamp.
type Step struct {
	Timestamp time.Time
	Bars      map[string]domain.Bar
}

// Feed iterates steps in strictly increasing timestamp order.
type Feed interface {
	// Next returns the next step, or false when the sequence is exhausted.
	Next() (Step, bool)
}

// sliceFeed serves a prebuilt step sequence.
type sliceFeed struct {
	steps []Step
	pos   int
}

// FromSteps wraps an already-ordered step slice as a Feed.
func FromSteps(steps []Step) Feed {
	return &sliceFeed{steps: steps}
}

func (f *sliceFeed) Next() (Step, bool) {
	if f.pos >= len(f.steps) {
		return Step{}, false
	}
	s := f.steps[f.pos]
	f.pos++
	return s, true
}

// merge aligns per-asset bar series into a timestamp-ordered step sequence.
// Assets missing a bar at a given timestamp are simply absent from that step.
func merge(series map[string][]domain.Bar) []Step {
	byTS := make(map[int64]map[string]domain.Bar)
	for asset, bars := range series {
		for _, b := range bars {
			key := b.Timestamp.UnixNano()
			if byTS[key] == nil {
				byTS[key] = make(map[string]domain.Bar)
			}
			byTS[key][asset] = b
		}
	}
	keys := make([]int64, 0, len(byTS))
	for k := range byTS {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	steps := make([]Step, 0, len(keys))
	for _, k := range keys {
		steps = append(steps, Step{Timestamp: time.Unix(0, k).UTC(), Bars: byTS[k]})
	}
	return steps
}
