// Package ratelimit provides a fixed-window request limiter keyed by
// (user, source address). Requests over the per-window maximum are
// rejected immediately, never queued or delayed.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its window budget.
// Callers distinguish it from auth and validation failures so clients can
// back off instead of re-authenticating.
var ErrRateLimited = errors.New("rate limit exceeded")

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter counts requests per key within fixed windows.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	max       int
	window    time.Duration
	lastPrune time.Time

	now func() time.Time // injectable for tests
}

// New creates a limiter allowing max requests per window per key.
func New(max int, window time.Duration) (*Limiter, error) {
	if max <= 0 {
		return nil, fmt.Errorf("max requests must be positive, got %d", max)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		max:     max,
		window:  window,
		now:     time.Now,
	}, nil
}

// Allow consumes one unit for the given user and source address, or
// returns ErrRateLimited if the live window is exhausted.
func (l *Limiter) Allow(userID, sourceAddr string) error {
	key := userID + "|" + sourceAddr
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &bucket{windowStart: now, count: 1}
		return nil
	}

	if b.count >= l.max {
		return ErrRateLimited
	}
	b.count++
	return nil
}

// pruneLocked drops buckets whose window expired more than one full
// window ago, at most once per window, so the key space stays bounded by
// recent traffic. Caller holds the lock.
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now

	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= 2*l.window {
			delete(l.buckets, key)
		}
	}
}
