package allocator

import (
	"sync"
	"sync/atomic"
)

// Epoch implements the epoch-based reclamation scheme described in spec.md
// §5: each caller "enters" the store region for the duration of an
// operation, and resources retired while callers were active are only freed
// once every entered caller has since exited or refreshed to the
// retirement epoch or later.
type Epoch struct {
	current int64 // atomic

	mu    sync.Mutex
	slots []int64 // per-guard local epoch; 0 means the slot is not in use
	free  []int   // free slot indices

	drainMu sync.Mutex
	pending []drainEntry
}

type drainEntry struct {
	epoch  int64
	action func()
}

// NewEpoch creates a fresh epoch table with epoch counter starting at 1.
func NewEpoch() *Epoch {
	return &Epoch{current: 1}
}

// Guard represents a single caller's membership in the protected region.
type Guard struct {
	e    *Epoch
	slot int
}

// Enter registers the calling goroutine as active in the protected region
// and returns a Guard that must be released with Exit. Suspension points
// (spec.md §5) occur between Enter and Exit.
func (e *Epoch) Enter() *Guard {
	cur := atomic.LoadInt64(&e.current)

	e.mu.Lock()
	var slot int
	if n := len(e.free); n > 0 {
		slot = e.free[n-1]
		e.free = e.free[:n-1]
	} else {
		slot = len(e.slots)
		e.slots = append(e.slots, 0)
	}
	e.slots[slot] = cur
	e.mu.Unlock()

	return &Guard{e: e, slot: slot}
}

// Refresh re-reads the current epoch into the guard's slot; callers hold a
// Guard across a suspension point and should Refresh after resuming to avoid
// pinning reclamation at a stale epoch.
func (g *Guard) Refresh() {
	atomic.StoreInt64(&g.e.slots[g.slot], atomic.LoadInt64(&g.e.current))
}

// Exit releases the guard's slot and attempts to drain any retired actions
// that are now safe to run.
func (g *Guard) Exit() {
	e := g.e
	e.mu.Lock()
	e.slots[g.slot] = 0
	e.free = append(e.free, g.slot)
	e.mu.Unlock()
	e.tryDrain()
}

// BumpEpoch advances the global epoch and returns the new value. Callers
// bump the epoch after an action that retires a resource (e.g. evicting a
// page), then register the retirement with Retire(epochAtBump, action).
func (e *Epoch) BumpEpoch() int64 {
	return atomic.AddInt64(&e.current, 1)
}

// Retire schedules action to run once every guard active at the time of the
// call has exited or refreshed to epoch or later.
func (e *Epoch) Retire(epoch int64, action func()) {
	e.drainMu.Lock()
	e.pending = append(e.pending, drainEntry{epoch: epoch, action: action})
	e.drainMu.Unlock()
	e.tryDrain()
}

// safeEpoch returns the minimum local epoch across all active guards, or the
// current epoch if none are active.
func (e *Epoch) safeEpoch() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	min := atomic.LoadInt64(&e.current)
	for _, s := range e.slots {
		if s != 0 && s < min {
			min = s
		}
	}
	return min
}

func (e *Epoch) tryDrain() {
	safe := e.safeEpoch()

	e.drainMu.Lock()
	var ready []drainEntry
	remaining := e.pending[:0]
	for _, d := range e.pending {
		if d.epoch <= safe {
			ready = append(ready, d)
		} else {
			remaining = append(remaining, d)
		}
	}
	e.pending = remaining
	e.drainMu.Unlock()

	for _, d := range ready {
		d.action()
	}
}
