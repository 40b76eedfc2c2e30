// Package ratelimit implements a sliding-window rate limiter keyed by an
// arbitrary string (client IP, webhook URL). State per key is the list
// of request timestamps inside the window; stale timestamps are pruned
// on every observation.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/smartramana/hookmesh/pkg/observability"
)

// Store is an optional distributed backing store for the limiter. When a
// store call fails the limiter falls back to its local view with a more
// conservative limit until the store answers again.
type Store interface {
	// Add records a request timestamp and prunes entries older than the window
	Add(ctx context.Context, key string, ts time.Time, window time.Duration) error
	// Count returns the number of requests at or after since
	Count(ctx context.Context, key string, since time.Time) (int, error)
	// Oldest returns the earliest request timestamp at or after since
	Oldest(ctx context.Context, key string, since time.Time) (time.Time, bool, error)
	// Reset drops all state for the key
	Reset(ctx context.Context, key string) error
}

// Limiter is a sliding-window counter. All methods are safe for
// concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	local    map[string][]time.Time
	store    Store
	degraded bool
	logger   observability.Logger
	now      func() time.Time
}

// New creates a limiter allowing limit requests per window
func New(limit int, window time.Duration, logger observability.Logger) *Limiter {
	if logger == nil {
		logger = observability.NewLogger("security.ratelimit")
	}
	return &Limiter{
		limit:  limit,
		window: window,
		local:  make(map[string][]time.Time),
		logger: logger,
		now:    time.Now,
	}
}

// WithStore attaches a distributed backing store
func (l *Limiter) WithStore(store Store) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store = store
	return l
}

// Limit returns the configured limit
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window
func (l *Limiter) Window() time.Duration { return l.window }

// effectiveLimit halves the limit while the backing store is down so
// backpressure survives the outage
func (l *Limiter) effectiveLimit() int {
	if l.degraded {
		half := l.limit / 2
		if half < 1 {
			half = 1
		}
		return half
	}
	return l.limit
}

func (l *Limiter) pruneLocked(key string, since time.Time) []time.Time {
	entries := l.local[key]
	kept := entries[:0]
	for _, ts := range entries {
		if !ts.Before(since) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.local, key)
		return nil
	}
	l.local[key] = kept
	return kept
}

func (l *Limiter) markDegraded(err error) {
	if !l.degraded {
		l.logger.Warn("Rate limit store unavailable, entering conservative local mode", map[string]interface{}{
			"error": err.Error(),
		})
	}
	l.degraded = true
}

func (l *Limiter) markHealthy() {
	if l.degraded {
		l.logger.Info("Rate limit store recovered", nil)
	}
	l.degraded = false
}

// count returns the in-window request count for the key
func (l *Limiter) count(ctx context.Context, key string, since time.Time) int {
	if l.store != nil {
		n, err := l.store.Count(ctx, key, since)
		if err == nil {
			l.markHealthy()
			return n
		}
		l.markDegraded(err)
	}
	return len(l.pruneLocked(key, since))
}

// IsRateLimited reports whether the key has exhausted its quota
func (l *Limiter) IsRateLimited(ctx context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	since := l.now().Add(-l.window)
	return l.count(ctx, key, since) >= l.effectiveLimit()
}

// AddRequest records a request for the key
func (l *Limiter) AddRequest(ctx context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	since := now.Add(-l.window)
	l.pruneLocked(key, since)
	l.local[key] = append(l.local[key], now)

	if l.store != nil {
		if err := l.store.Add(ctx, key, now, l.window); err != nil {
			l.markDegraded(err)
		} else {
			l.markHealthy()
		}
	}
}

// Remaining returns how many requests the key has left in the window
func (l *Limiter) Remaining(ctx context.Context, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	since := l.now().Add(-l.window)
	remaining := l.effectiveLimit() - l.count(ctx, key, since)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetTime returns when the oldest in-window request leaves the window,
// or nil when the key has no requests
func (l *Limiter) ResetTime(ctx context.Context, key string) *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	since := l.now().Add(-l.window)
	if l.store != nil {
		oldest, ok, err := l.store.Oldest(ctx, key, since)
		if err == nil {
			l.markHealthy()
			if !ok {
				return nil
			}
			t := oldest.Add(l.window)
			return &t
		}
		l.markDegraded(err)
	}
	entries := l.pruneLocked(key, since)
	if len(entries) == 0 {
		return nil
	}
	t := entries[0].Add(l.window)
	return &t
}

// Reset drops all state for the key
func (l *Limiter) Reset(ctx context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.local, key)
	if l.store != nil {
		if err := l.store.Reset(ctx, key); err != nil {
			l.markDegraded(err)
		}
	}
}
