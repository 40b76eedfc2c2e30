package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend implements an in-memory cache with bounded size and
// configurable eviction. A single mutex guards the map; operations never
// block on I/O.
type MemoryBackend struct {
	mu       sync.Mutex
	items    map[string]*memoryEntry
	maxSize  int
	policy   EvictionPolicy
	seq      uint64
	stats    Stats
	now      func() time.Time
}

type memoryEntry struct {
	value       interface{}
	expiresAt   *time.Time
	createdAt   time.Time
	lastAccess  time.Time
	updatedAt   time.Time
	accessCount int64
	seq         uint64 // insertion order, for FIFO
}

// NewMemoryBackend creates a bounded in-memory backend. maxSize <= 0 means
// unbounded. An unknown policy defaults to LRU.
func NewMemoryBackend(maxSize int, policy EvictionPolicy) *MemoryBackend {
	switch policy {
	case EvictionLRU, EvictionLFU, EvictionFIFO:
	default:
		policy = EvictionLRU
	}
	return &MemoryBackend{
		items:   make(map[string]*memoryEntry),
		maxSize: maxSize,
		policy:  policy,
		now:     time.Now,
	}
}

func (c *MemoryBackend) expired(e *memoryEntry, now time.Time) bool {
	return e.expiresAt != nil && now.After(*e.expiresAt)
}

// Get retrieves a value, bumping access metadata under the same lock
func (c *MemoryBackend) Get(ctx context.Context, key string) (interface{}, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false, nil
	}
	if c.expired(e, now) {
		delete(c.items, key)
		c.stats.Misses++
		return nil, false, nil
	}
	e.accessCount++
	e.lastAccess = now
	c.stats.Hits++
	return e.value, true, nil
}

// Set stores a value, evicting one entry first when a new key would
// exceed the configured capacity
func (c *MemoryBackend) Set(ctx context.Context, key string, value interface{}, ttl *time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	existing, exists := c.items[key]
	if exists && c.expired(existing, now) {
		delete(c.items, key)
		exists = false
	}
	if !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictLocked(now)
	}

	var expiresAt *time.Time
	if ttl != nil {
		t := now.Add(*ttl)
		expiresAt = &t
	}

	if exists {
		existing.value = value
		existing.expiresAt = expiresAt
		existing.updatedAt = now
		// A rewrite counts as recency, so a just-updated entry is not
		// the next LRU victim
		existing.lastAccess = now
	} else {
		c.seq++
		c.items[key] = &memoryEntry{
			value:      value,
			expiresAt:  expiresAt,
			createdAt:  now,
			lastAccess: now,
			updatedAt:  now,
			seq:        c.seq,
		}
	}
	c.stats.Sets++
	return nil
}

// evictLocked removes one victim selected by the configured policy.
// Expired entries encountered during the scan are removed outright and
// never chosen as victims.
func (c *MemoryBackend) evictLocked(now time.Time) {
	var victim string
	var victimEntry *memoryEntry

	for key, e := range c.items {
		if c.expired(e, now) {
			delete(c.items, key)
			continue
		}
		if victimEntry == nil {
			victim, victimEntry = key, e
			continue
		}
		if c.precedes(e, victimEntry) {
			victim, victimEntry = key, e
		}
	}
	if victimEntry != nil {
		delete(c.items, victim)
		c.stats.Evictions++
	}
}

// precedes reports whether a should be evicted before b under the policy
func (c *MemoryBackend) precedes(a, b *memoryEntry) bool {
	switch c.policy {
	case EvictionLFU:
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.lastAccess.Before(b.lastAccess)
	case EvictionFIFO:
		return a.seq < b.seq
	default: // LRU
		return a.lastAccess.Before(b.lastAccess)
	}
}

// Delete removes a key
func (c *MemoryBackend) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	if ok {
		delete(c.items, key)
		c.stats.Deletes++
	}
	return ok, nil
}

// Exists reports whether a live entry is present
func (c *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false, nil
	}
	if c.expired(e, c.now()) {
		delete(c.items, key)
		return false, nil
	}
	return true, nil
}

// Clear removes every entry
func (c *MemoryBackend) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*memoryEntry)
	c.stats.Clears++
	return nil
}

// Size returns the live entry count after pruning expired entries
func (c *MemoryBackend) Size(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()
	return len(c.items), nil
}

// Keys returns live keys matching the pattern
func (c *MemoryBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()
	match := keyMatcher(pattern)
	keys := make([]string, 0, len(c.items))
	for key := range c.items {
		if match(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *MemoryBackend) pruneLocked() {
	now := c.now()
	for key, e := range c.items {
		if c.expired(e, now) {
			delete(c.items, key)
		}
	}
}

// Stats returns the backend counters
func (c *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, nil
}

// GetTTL returns the remaining TTL of a key
func (c *MemoryBackend) GetTTL(ctx context.Context, key string) (*time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if c.expired(e, now) {
		delete(c.items, key)
		return nil, false, nil
	}
	if e.expiresAt == nil {
		return nil, true, nil
	}
	remaining := e.expiresAt.Sub(now)
	return &remaining, true, nil
}

// SetTTL replaces the TTL of an existing key
func (c *MemoryBackend) SetTTL(ctx context.Context, key string, ttl *time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.items[key]
	if !ok || c.expired(e, now) {
		return false, nil
	}
	if ttl == nil {
		e.expiresAt = nil
	} else {
		t := now.Add(*ttl)
		e.expiresAt = &t
	}
	return true, nil
}

// Close releases resources held by the backend
func (c *MemoryBackend) Close() error {
	return nil
}
