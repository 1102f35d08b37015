package scheduler

import (
	"sync"

	"golang.org/x/time/rate"
)

// DispatchLimiter paces dispatches per runtimeId so a burst of simultaneous
// admissions can't saturate a single runtime's accept path. Adapted from the
// reference's per-node TokenBucketLimiter, keyed the same way (lazily
// created per key on first use).
type DispatchLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewDispatchLimiter returns a limiter allowing rps dispatches/sec per
// runtimeId, with the given burst.
func NewDispatchLimiter(rps float64, burst int) *DispatchLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &DispatchLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (d *DispatchLimiter) limiterFor(key string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[key] = l
	}
	return l
}

// Allow reports whether a dispatch to runtimeId may proceed right now,
// consuming a token if so.
func (d *DispatchLimiter) Allow(runtimeID string) bool {
	return d.limiterFor(runtimeID).Allow()
}
