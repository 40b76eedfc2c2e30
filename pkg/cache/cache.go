// Package cache implements a multi-backend cache engine with TTL
// enforcement, per-policy eviction, namespace versioning, and observable
// statistics. Backends are independent types behind a single Backend
// interface and are selected at construction time.
package cache

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Errors returned by cache backends and the service
var (
	// ErrNotFound is returned when a key is not found in the cache
	ErrNotFound = errors.New("key not found in cache")
	// ErrClosed is returned when operating on a closed backend
	ErrClosed = errors.New("cache backend is closed")
	// ErrSerialization is returned when a value cannot be serialized
	ErrSerialization = errors.New("value cannot be serialized")
)

// Backend defines the uniform capability set every cache backend exposes.
// Implementations must be safe for concurrent use; individual operations
// are linearizable with respect to their own backend.
type Backend interface {
	// Get returns the stored value, or ok=false on miss. An expired entry
	// is a miss and is removed as a side effect.
	Get(ctx context.Context, key string) (interface{}, bool, error)
	// Set stores a value. A nil ttl means the entry never expires.
	Set(ctx context.Context, key string, value interface{}, ttl *time.Duration) error
	// Delete removes a key, reporting whether it was present.
	Delete(ctx context.Context, key string) (bool, error)
	// Exists reports whether a live (non-expired) entry is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Size returns the number of live entries, pruning expired ones first.
	Size(ctx context.Context) (int, error)
	// Keys returns the stored keys matching pattern. The pattern is a
	// regular expression; an invalid pattern falls back to literal-prefix
	// matching. An empty pattern matches everything.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Stats returns the backend counters.
	Stats(ctx context.Context) (Stats, error)
	// GetTTL returns the remaining TTL for a key. A nil duration with
	// ok=true means the entry has no expiration.
	GetTTL(ctx context.Context, key string) (*time.Duration, bool, error)
	// SetTTL replaces the TTL of an existing key. A nil ttl clears it.
	SetTTL(ctx context.Context, key string, ttl *time.Duration) (bool, error)
	// Close releases backend resources.
	Close() error
}

// Stats holds per-backend counters. All counters are monotonically
// non-decreasing within a process.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	Clears    int64 `json:"clears"`
}

// Map returns the stats as a generic map, the shape the stats API serves
func (s Stats) Map() map[string]int64 {
	return map[string]int64{
		"hits":      s.Hits,
		"misses":    s.Misses,
		"sets":      s.Sets,
		"deletes":   s.Deletes,
		"evictions": s.Evictions,
		"clears":    s.Clears,
	}
}

// EvictionPolicy selects the victim entry when a bounded backend is full
type EvictionPolicy string

// Supported eviction policies
const (
	EvictionLRU  EvictionPolicy = "lru"
	EvictionLFU  EvictionPolicy = "lfu"
	EvictionFIFO EvictionPolicy = "fifo"
)

// keyMatcher compiles a pattern into a predicate over raw stored keys.
// Invalid regular expressions degrade to literal-prefix matching.
func keyMatcher(pattern string) func(string) bool {
	if pattern == "" {
		return func(string) bool { return true }
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return func(k string) bool { return strings.HasPrefix(k, pattern) }
	}
	return re.MatchString
}
