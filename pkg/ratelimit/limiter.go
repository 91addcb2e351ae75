// Package ratelimit enforces per-caller request budgets over a fixed window.
// Unlike the access gates, limiting degrades open: when the backing store is
// unreachable the gateway keeps serving rather than locking everyone out.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports one budget check. ResetAt tells the caller when the
// current window closes, which feeds the Retry-After header.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter counts requests per key in process memory. It is the
// single-instance default and the fallback when redis is down.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	hits    int
	expires time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, buckets: map[string]*bucket{}}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	b := l.buckets[key]
	if b == nil || now.After(b.expires) {
		b = &bucket{expires: now.Add(l.window)}
		l.buckets[key] = b
	}
	b.hits++

	remaining := limit - b.hits
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.hits <= limit,
		Count:     b.hits,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   b.expires,
	}
}

func (l *InMemoryLimiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.After(b.expires) {
			delete(l.buckets, key)
		}
	}
}
