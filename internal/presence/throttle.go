package presence

import (
	"sync"
	"time"
)

// rateGate caps an action to at most once per fixed interval per key. The
// first call inside a window passes and opens the window; later calls in
// the same window are dropped, not queued, so a fast mouse still lands its
// first position immediately and the final position on the next window.
type rateGate struct {
	mu       sync.Mutex
	interval time.Duration
	lastPass map[string]time.Time
	clock    func() time.Time
}

func newRateGate(interval time.Duration, clock func() time.Time) *rateGate {
	if clock == nil {
		clock = time.Now
	}
	return &rateGate{
		interval: interval,
		lastPass: make(map[string]time.Time),
		clock:    clock,
	}
}

// Allow reports whether the action for key may run now.
func (g *rateGate) Allow(key string) bool {
	if g.interval <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	last, seen := g.lastPass[key]
	if seen && now.Sub(last) < g.interval {
		return false
	}
	g.lastPass[key] = now
	return true
}

// Forget clears the window for key, used when a user signs out.
func (g *rateGate) Forget(key string) {
	g.mu.Lock()
	delete(g.lastPass, key)
	g.mu.Unlock()
}
