package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisStore keeps per-key request timestamps in a sorted set scored by
// unix nanoseconds, so pruning is a range removal and counting is a
// range count.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store over an existing client
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "hookmesh:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string { return s.prefix + key }

// Add records a request timestamp and prunes stale entries
func (s *RedisStore) Add(ctx context.Context, key string, ts time.Time, window time.Duration) error {
	k := s.key(key)
	cutoff := ts.Add(-window).UnixNano()
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, k, &redis.Z{
		Score: float64(ts.UnixNano()),
		// Unique member so concurrent requests in the same nanosecond both count
		Member: strconv.FormatInt(ts.UnixNano(), 10) + ":" + uuid.NewString(),
	})
	pipe.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.Expire(ctx, k, window+time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

// Count returns the number of requests at or after since
func (s *RedisStore) Count(ctx context.Context, key string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.key(key),
		strconv.FormatInt(since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Oldest returns the earliest request timestamp at or after since
func (s *RedisStore) Oldest(ctx context.Context, key string, since time.Time) (time.Time, bool, error) {
	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.key(key), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixNano(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(0, int64(entries[0].Score)), true, nil
}

// Reset drops all state for the key
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
