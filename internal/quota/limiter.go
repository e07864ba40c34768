// Package quota enforces per-requester request rate limits.
package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleLimiterTTL = 10 * time.Minute

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter holds one token bucket per requester key.
type RateLimiter struct {
	mu      sync.Mutex
	rps     float64
	burst   int
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter returns a limiter allowing rps requests per second with
// the given burst per key. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = max(1, int(math.Ceil(rps)))
	}
	return &RateLimiter{
		rps:     rps,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter rejects anything.
func (rl *RateLimiter) Enabled() bool { return rl.rps > 0 }

func (rl *RateLimiter) get(key string) *bucket {
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = rl.now()
	return b
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.get(key).limiter.AllowN(rl.now(), 1)
}

// RetryAfter returns the whole seconds until key has a token again.
func (rl *RateLimiter) RetryAfter(key string) int {
	if !rl.Enabled() {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	r := rl.get(key).limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return max(1, int(math.Ceil(delay.Seconds())))
}

// Prune drops buckets idle for longer than idle and returns how many.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idle)
	n := 0
	for k, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// StartCleanup prunes idle buckets until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	if !rl.Enabled() {
		return
	}
	go func() {
		ticker := time.NewTicker(idleLimiterTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Prune(idleLimiterTTL)
			}
		}
	}()
}
