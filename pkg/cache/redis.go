package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/smartramana/hookmesh/pkg/observability"
)

// RedisConfig holds the connection settings for the remote backend
type RedisConfig struct {
	Address      string `json:"address" mapstructure:"address"`
	Password     string `json:"-" mapstructure:"password"`
	Database     int    `json:"database" mapstructure:"database"`
	KeyPrefix    string `json:"key_prefix" mapstructure:"key_prefix"`
	DialTimeout  int    `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  int    `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout int    `json:"write_timeout" mapstructure:"write_timeout"`
}

// RedisBackend stores values in a remote key-value server with
// server-side TTL. The value and a metadata hash share a prefix scheme:
// {prefix}value:{key} and {prefix}metadata:{key}. Access counters are
// maintained by atomic increments on the metadata hash. Transient
// connection failures degrade to misses.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger observability.Logger
}

// NewRedisBackend connects to the remote store. Construction fails when
// the server is unreachable so the caller can fall back to another
// backend.
func NewRedisBackend(cfg RedisConfig, logger observability.Logger) (*RedisBackend, error) {
	if logger == nil {
		logger = observability.NewLogger("cache.redis")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "hookmesh:cache:"
	}
	return &RedisBackend{client: client, prefix: prefix, logger: logger}, nil
}

func (b *RedisBackend) valueKey(key string) string    { return b.prefix + "value:" + key }
func (b *RedisBackend) metadataKey(key string) string { return b.prefix + "metadata:" + key }
func (b *RedisBackend) statsKey() string              { return b.prefix + "stats" }

func (b *RedisBackend) bumpStat(ctx context.Context, name string) {
	if err := b.client.HIncrBy(ctx, b.statsKey(), name, 1).Err(); err != nil {
		b.logger.Debug("Failed to update cache stats", map[string]interface{}{
			"stat":  name,
			"error": err.Error(),
		})
	}
}

// Get retrieves a value; connection failures surface as misses
func (b *RedisBackend) Get(ctx context.Context, key string) (interface{}, bool, error) {
	data, err := b.client.Get(ctx, b.valueKey(key)).Bytes()
	if err == redis.Nil {
		b.bumpStat(ctx, "misses")
		return nil, false, nil
	}
	if err != nil {
		b.logger.Warn("Redis get failed, treating as miss", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, false, nil
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		b.bumpStat(ctx, "misses")
		return nil, false, nil
	}
	now := time.Now()
	pipe := b.client.Pipeline()
	pipe.HIncrBy(ctx, b.metadataKey(key), "access_count", 1)
	pipe.HSet(ctx, b.metadataKey(key), "last_access", now.UnixNano())
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Debug("Failed to update cache metadata", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	b.bumpStat(ctx, "hits")
	return value, true, nil
}

// Set stores a value with server-side expiry
func (b *RedisBackend) Set(ctx context.Context, key string, value interface{}, ttl *time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	var expiry time.Duration
	if ttl != nil {
		expiry = *ttl
	}
	if err := b.client.Set(ctx, b.valueKey(key), data, expiry).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	now := time.Now().UnixNano()
	pipe := b.client.Pipeline()
	pipe.HSetNX(ctx, b.metadataKey(key), "created_at", now)
	pipe.HSet(ctx, b.metadataKey(key), "updated_at", now)
	if ttl != nil {
		pipe.Expire(ctx, b.metadataKey(key), expiry)
	} else {
		pipe.Persist(ctx, b.metadataKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Debug("Failed to write cache metadata", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	b.bumpStat(ctx, "sets")
	return nil
}

// Delete removes a key and its metadata
func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, b.valueKey(key), b.metadataKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete failed: %w", err)
	}
	if n > 0 {
		b.bumpStat(ctx, "deletes")
	}
	return n > 0, nil
}

// Exists reports whether the value key is present
func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.valueKey(key)).Result()
	if err != nil {
		b.logger.Warn("Redis exists failed, treating as miss", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false, nil
	}
	return n > 0, nil
}

// Clear removes every key under the backend prefix
func (b *RedisBackend) Clear(ctx context.Context) error {
	keys, err := b.client.Keys(ctx, b.prefix+"*").Result()
	if err != nil {
		return fmt.Errorf("redis clear failed: %w", err)
	}
	// Preserve the stats hash across clears
	filtered := keys[:0]
	for _, k := range keys {
		if k != b.statsKey() {
			filtered = append(filtered, k)
		}
	}
	if len(filtered) > 0 {
		if err := b.client.Del(ctx, filtered...).Err(); err != nil {
			return fmt.Errorf("redis clear failed: %w", err)
		}
	}
	b.bumpStat(ctx, "clears")
	return nil
}

// Size counts live value keys
func (b *RedisBackend) Size(ctx context.Context) (int, error) {
	keys, err := b.client.Keys(ctx, b.valueKey("*")).Result()
	if err != nil {
		return 0, fmt.Errorf("redis size failed: %w", err)
	}
	return len(keys), nil
}

// Keys returns stored keys matching the pattern
func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	stored, err := b.client.Keys(ctx, b.valueKey("*")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys failed: %w", err)
	}
	match := keyMatcher(pattern)
	keys := make([]string, 0, len(stored))
	for _, k := range stored {
		raw := strings.TrimPrefix(k, b.valueKey(""))
		if match(raw) {
			keys = append(keys, raw)
		}
	}
	return keys, nil
}

// Stats reads the persisted counters
func (b *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	values, err := b.client.HGetAll(ctx, b.statsKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis stats failed: %w", err)
	}
	parse := func(name string) int64 {
		v, _ := strconv.ParseInt(values[name], 10, 64)
		return v
	}
	return Stats{
		Hits:      parse("hits"),
		Misses:    parse("misses"),
		Sets:      parse("sets"),
		Deletes:   parse("deletes"),
		Evictions: parse("evictions"),
		Clears:    parse("clears"),
	}, nil
}

// GetTTL returns the server-side TTL of a key
func (b *RedisBackend) GetTTL(ctx context.Context, key string) (*time.Duration, bool, error) {
	d, err := b.client.TTL(ctx, b.valueKey(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis ttl failed: %w", err)
	}
	switch d {
	case -2: // key absent
		return nil, false, nil
	case -1: // present with no expiry
		return nil, true, nil
	default:
		return &d, true, nil
	}
}

// SetTTL replaces the server-side TTL of a key
func (b *RedisBackend) SetTTL(ctx context.Context, key string, ttl *time.Duration) (bool, error) {
	if ttl == nil {
		ok, err := b.client.Persist(ctx, b.valueKey(key)).Result()
		if err != nil {
			return false, fmt.Errorf("redis persist failed: %w", err)
		}
		_, _ = b.client.Persist(ctx, b.metadataKey(key)).Result()
		return ok, nil
	}
	ok, err := b.client.Expire(ctx, b.valueKey(key), *ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis expire failed: %w", err)
	}
	_, _ = b.client.Expire(ctx, b.metadataKey(key), *ttl).Result()
	return ok, nil
}

// Close closes the client connection
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
