// Package ratelimit implements per-identity sliding-window rate limiting.
// The primary limiter counts in Redis so replicas share one budget; a
// mutex-guarded in-process limiter takes over when Redis is unreachable.
// A denial from either limiter is final; only limiter errors fall through.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the sliding-window span every limiter counts over.
const Window = time.Minute

// Limiter decides whether an identity may make one more request right now.
// Allow both records the request and answers; there is no separate observe
// step.
type Limiter interface {
	Allow(ctx context.Context, identity string) (bool, error)
}

// NoLimiter admits every request. Used when limiting is disabled by
// configuration.
type NoLimiter struct{}

// Allow always answers yes.
func (NoLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// MemoryLimiter is a per-process sliding-window limiter. It is the fallback
// when Redis is unavailable and the primary when no Redis is configured.
type MemoryLimiter struct {
	limit int
	now   func() time.Time

	mu        sync.Mutex
	history   map[string][]time.Time
	lastPrune time.Time
}

// NewMemoryLimiter creates an in-process limiter allowing limit requests per
// window per identity.
func NewMemoryLimiter(limit int) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Allow records a request for identity and reports whether it fits in the
// window. The Nth request within a window is allowed; the N+1th is not.
func (l *MemoryLimiter) Allow(_ context.Context, identity string) (bool, error) {
	now := l.now()
	cutoff := now.Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamps := l.history[identity]
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	l.history[identity] = kept

	if now.Sub(l.lastPrune) >= Window {
		l.prune(cutoff)
		l.lastPrune = now
	}

	return len(kept) <= l.limit, nil
}

// prune drops identities whose every entry has left the window. Without it
// rotating identities would grow the map without bound. Caller holds mu.
func (l *MemoryLimiter) prune(cutoff time.Time) {
	for id, timestamps := range l.history {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(l.history, id)
		}
	}
}

// FailoverLimiter delegates to primary and falls back on limiter errors.
// When the primary answers, its answer stands: a deny is never retried
// against the fallback.
type FailoverLimiter struct {
	primary  Limiter
	fallback Limiter
	onError  func(err error)
}

// NewFailoverLimiter wires a primary limiter to a fallback. onError is
// invoked on every primary failure; nil is allowed.
func NewFailoverLimiter(primary, fallback Limiter, onError func(err error)) *FailoverLimiter {
	return &FailoverLimiter{primary: primary, fallback: fallback, onError: onError}
}

// Allow consults the primary, then the fallback only if the primary errored.
func (l *FailoverLimiter) Allow(ctx context.Context, identity string) (bool, error) {
	ok, err := l.primary.Allow(ctx, identity)
	if err == nil {
		return ok, nil
	}
	if l.onError != nil {
		l.onError(err)
	}
	return l.fallback.Allow(ctx, identity)
}
