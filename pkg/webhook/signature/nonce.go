package signature

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryNonceStore is a process-local replay guard with TTL pruning
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryNonceStore creates a nonce store that remembers nonces for ttl
func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	return &MemoryNonceStore{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen marks the nonce, reporting whether it was already present
func (s *MemoryNonceStore) Seen(ctx context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for n, at := range s.seen {
		if now.Sub(at) > s.ttl {
			delete(s.seen, n)
		}
	}
	if _, ok := s.seen[nonce]; ok {
		return true, nil
	}
	s.seen[nonce] = now
	return false, nil
}

// RedisNonceStore is an externally synchronized replay guard backed by
// SETNX with a TTL
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisNonceStore creates a nonce store over an existing client
func NewRedisNonceStore(client *redis.Client, prefix string, ttl time.Duration) *RedisNonceStore {
	if prefix == "" {
		prefix = "hookmesh:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix, ttl: ttl}
}

// Seen marks the nonce, reporting whether it was already present
func (s *RedisNonceStore) Seen(ctx context.Context, nonce string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+nonce, 1, s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
