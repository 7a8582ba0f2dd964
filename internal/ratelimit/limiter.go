// Package ratelimit implements the sliding-window counter that gates the
// merge endpoint. Counters live in a shared store so that the limit holds
// across replicas; the only in-process implementation is the in-memory one
// used for development and tests.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one counted attempt.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ResetIn returns the whole seconds until the window resets, at least 1 so
// clients always get a positive retry hint.
func (d Decision) ResetIn(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter counts an attempt for key and decides whether it is allowed.
// Implementations must use an atomic increment in their backing store; a
// read-then-write sequence loses counts under concurrency. An error means
// the store could not be consulted; callers fail closed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

// InMemoryLimiter is a process-local window counter. It does not enforce a
// global limit across replicas and exists for development mode and tests.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

// NewInMemory builds an in-memory limiter with the given window.
func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
	}
}

// Allow implements Limiter. It never returns an error.
func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}, nil
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
