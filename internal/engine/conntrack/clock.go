package conntrack

import (
	"sync/atomic"
	"time"
)

// ReplayClock follows capture timestamps instead of the wall clock, so idle
// times and purges behave the same when a capture file is replayed faster
// than real time. Until the first Observe it reads the wall clock.
type ReplayClock struct {
	latest atomic.Int64
}

// Observe advances the clock to ts if ts is later than the current reading.
func (c *ReplayClock) Observe(ts time.Time) {
	if ts.IsZero() {
		return
	}
	n := ts.UnixNano()
	for {
		cur := c.latest.Load()
		if n <= cur || c.latest.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Now returns the latest observed timestamp.
func (c *ReplayClock) Now() time.Time {
	if n := c.latest.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Now()
}
