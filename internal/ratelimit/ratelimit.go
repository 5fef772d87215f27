// Package ratelimit provides fixed-window rate limiting keyed by caller
// identity (API key id for upload endpoints).
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single caller.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Registry hands out one Limiter per key, all sharing the same rate and
// window. Limiters for keys idle longer than one window are pruned on the
// next Get to bound memory.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*registryEntry
	rate     int
	window   time.Duration
	lastScan time.Time
}

type registryEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(rate int, window time.Duration) *Registry {
	return &Registry{
		limiters: make(map[string]*registryEntry),
		rate:     rate,
		window:   window,
		lastScan: time.Now(),
	}
}

// Allow reports whether the caller identified by key is within its limit.
func (r *Registry) Allow(key string) bool {
	r.mu.Lock()
	now := time.Now()
	if now.Sub(r.lastScan) > r.window {
		for k, e := range r.limiters {
			if now.Sub(e.lastSeen) > r.window {
				delete(r.limiters, k)
			}
		}
		r.lastScan = now
	}
	e, ok := r.limiters[key]
	if !ok {
		e = &registryEntry{limiter: New(r.rate, r.window)}
		r.limiters[key] = e
	}
	e.lastSeen = now
	r.mu.Unlock()

	return e.limiter.Allow()
}
