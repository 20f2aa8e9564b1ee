package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// overflowValue replaces label values once their label's budget is
	// spent, so a hostile feed cannot mint one time series per made-up
	// module name.
	overflowValue = "other"

	// guardSweepEvery is how many clamp calls pass between sweeps of
	// idle label values.
	guardSweepEvery = 4096

	// guardIdleExpiry is how long an unseen label value keeps its slot.
	guardIdleExpiry = 10 * time.Minute
)

// labelGuard bounds the distinct values recorded per metric label.
// Labels without a configured cap pass through untouched. Expired
// values are reclaimed lazily during clamp calls; there is no
// background goroutine to stop.
type labelGuard struct {
	caps map[string]int

	mu   sync.Mutex
	seen map[string]map[string]time.Time // "metric|label" -> value -> last seen
	ops  int

	clamped atomic.Int64
}

func newLabelGuard(caps map[string]int) *labelGuard {
	return &labelGuard{
		caps: caps,
		seen: make(map[string]map[string]time.Time),
	}
}

// clamp returns the value to record for the metric's label: the value
// itself while the label has budget, overflowValue once the cap is
// reached. Values already tracked always pass, so a module that earned
// its series keeps it even under overflow.
func (g *labelGuard) clamp(metric, label, value string) string {
	limit, capped := g.caps[label]
	if !capped {
		return value
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.ops++
	if g.ops%guardSweepEvery == 0 {
		g.sweepLocked(time.Now().Add(-guardIdleExpiry))
	}

	key := metric + "|" + label
	values := g.seen[key]
	if values == nil {
		values = make(map[string]time.Time)
		g.seen[key] = values
	}

	if _, tracked := values[value]; !tracked && len(values) >= limit {
		g.clamped.Add(1)
		return overflowValue
	}
	values[value] = time.Now()
	return value
}

// sweepLocked drops values last seen before cutoff. Callers hold g.mu.
func (g *labelGuard) sweepLocked(cutoff time.Time) {
	for key, values := range g.seen {
		for value, seen := range values {
			if seen.Before(cutoff) {
				delete(values, value)
			}
		}
		if len(values) == 0 {
			delete(g.seen, key)
		}
	}
}

// size returns the number of label values currently tracked.
func (g *labelGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, values := range g.seen {
		total += len(values)
	}
	return total
}

// capacity returns the summed caps across configured labels.
func (g *labelGuard) capacity() int {
	total := 0
	for _, limit := range g.caps {
		total += limit
	}
	return total
}

// clampedCount returns how many emissions were folded into overflowValue.
func (g *labelGuard) clampedCount() int64 {
	return g.clamped.Load()
}

// errorGate rate-limits the "failed to emit" log line per metric so a
// down collector cannot flood the logs with one error per data point.
type errorGate struct {
	every time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func newErrorGate(every time.Duration) *errorGate {
	return &errorGate{
		every: every,
		last:  make(map[string]time.Time),
	}
}

// allow reports whether the caller may log for key now. The first call
// per key always passes; later calls pass once per interval.
func (g *errorGate) allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Unbounded key churn would leak; reset rather than track LRU.
	if len(g.last) > 1024 {
		g.last = make(map[string]time.Time)
	}

	now := time.Now()
	if seen, ok := g.last[key]; ok && now.Sub(seen) < g.every {
		return false
	}
	g.last[key] = now
	return true
}
