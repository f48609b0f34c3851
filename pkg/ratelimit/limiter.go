// Package ratelimit throttles the dissemination surface per client. Tickets
// are single-use, so the limiter mostly guards the unauthenticated getDS and
// dissem endpoints against scripted enumeration.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports one Allow call. ResetAt drives the Retry-After header on
// the gateway's 429 responses.
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

// InMemoryLimiter counts per-key hits in fixed windows. It is the fallback
// when redis is unreachable; limits then apply per gateway instance rather
// than across the fleet.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	curr := l.bump(key, now)
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
	}
}

func (l *InMemoryLimiter) bump(key string, now time.Time) entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropExpired(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return curr
}

func (l *InMemoryLimiter) dropExpired(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
