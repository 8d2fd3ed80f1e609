package server

import (
	"log"
	"sync"
	"time"
)

// RateLimiter enforces a per-key request budget on the public observation
// endpoints. Keys are expectation ids, so one noisy job cannot starve the
// others.
//
// Uses a sliding window: each window tracks request counts per key, and
// expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateLimitWindow
	perMinute int
	logger    *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter allowing perMinute requests per key.
// perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		windows:   make(map[string]*rateLimitWindow),
		perMinute: perMinute,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:      make(chan struct{}),
	}
	if perMinute > 0 {
		go rl.cleanup()
	}
	return rl
}

// Stop terminates the cleanup goroutine. Safe to call more than once;
// Allow keeps working after Stop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow reports whether a request for the given key is within budget.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.perMinute <= 0 {
		return true
	}

	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= rl.perMinute {
		return false
	}
	w.count++
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			rl.mu.Lock()
			for key, w := range rl.windows {
				if w.windowStart.Before(cutoff) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
