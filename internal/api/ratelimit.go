package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-user token bucket.
// The key is userID only, not userID:sessionID, so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows perMinute requests per key with the given burst and
// starts the background eviction goroutine.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go rl.evictLoop(limiterIdleTTL)
	return rl
}

// Allow reports whether a request for key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	return r.allowAt(key, time.Now())
}

func (r *RateLimiter) allowAt(key string, now time.Time) bool {
	r.mu.Lock()
	e, ok := r.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = e
	}
	e.lastSeen = now
	r.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *RateLimiter) evictLoop(ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.evict(now, ttl)
		}
	}
}

// evict drops limiters idle for longer than ttl.
func (r *RateLimiter) evict(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, e := range r.limiters {
		if now.Sub(e.lastSeen) > ttl {
			delete(r.limiters, key)
			n++
		}
	}
	return n
}
