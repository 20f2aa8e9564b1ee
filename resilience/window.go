package resilience

import (
	"sync"
	"time"
)

// window counts call outcomes over a rolling interval. The interval is
// split into fixed-width slots that are recycled lazily as time moves
// on, so old observations age out without a background sweeper. Slot
// arithmetic runs on the monotonic clock: wall adjustments cannot
// stretch or collapse the window.
type window struct {
	mu     sync.Mutex
	slots  []windowSlot
	width  time.Duration
	anchor time.Time
}

// windowSlot holds the counts for one slot interval. The epoch records
// which interval the counts belong to; a stale epoch means the slot is
// waiting to be recycled.
type windowSlot struct {
	epoch int64
	wins  uint64
	fails uint64
}

func newWindow(span time.Duration, slotCount int) *window {
	if span <= 0 {
		span = time.Minute
	}
	if slotCount <= 0 {
		slotCount = 10
	}
	width := span / time.Duration(slotCount)
	if width <= 0 {
		width = time.Millisecond
	}
	return &window{
		slots:  make([]windowSlot, slotCount),
		width:  width,
		anchor: time.Now(),
	}
}

// epoch numbers the slot intervals elapsed since the window was created.
func (w *window) epoch() int64 {
	return int64(time.Since(w.anchor) / w.width)
}

// observe records one call outcome in the current slot.
func (w *window) observe(ok bool) {
	now := w.epoch()

	w.mu.Lock()
	defer w.mu.Unlock()

	slot := &w.slots[now%int64(len(w.slots))]
	if slot.epoch != now {
		*slot = windowSlot{epoch: now}
	}
	if ok {
		slot.wins++
	} else {
		slot.fails++
	}
}

// counts sums the slots still inside the rolling interval.
func (w *window) counts() (wins, fails uint64) {
	now := w.epoch()
	oldest := now - int64(len(w.slots)) + 1

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.slots {
		if w.slots[i].epoch >= oldest {
			wins += w.slots[i].wins
			fails += w.slots[i].fails
		}
	}
	return wins, fails
}

// failureRate returns the fraction of failed calls in the window, or
// zero when the window is empty.
func (w *window) failureRate() float64 {
	wins, fails := w.counts()
	total := wins + fails
	if total == 0 {
		return 0
	}
	return float64(fails) / float64(total)
}

// reset drops every observation.
func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.slots {
		w.slots[i] = windowSlot{}
	}
}
