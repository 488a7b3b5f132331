package commands

import (
	"sync"
	"time"
)

// RateLimiter enforces per-key command budgets with fixed one-minute
// windows. Keys combine client id and command name so a chatty ping
// loop cannot starve other commands.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Allow records one call against the key and reports whether it fits
// inside maxPerMinute. A non-positive limit means unlimited.
func (rl *RateLimiter) Allow(key string, maxPerMinute int) bool {
	if maxPerMinute <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	return w.count <= maxPerMinute
}

// Forget drops all windows for a client prefix. Called on disconnect.
func (rl *RateLimiter) Forget(prefix string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.windows {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(rl.windows, key)
		}
	}
}
