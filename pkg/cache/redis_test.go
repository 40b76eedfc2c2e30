package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartramana/hookmesh/pkg/observability"
)

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &RedisBackend{
		client: client,
		prefix: "test:cache:",
		logger: observability.NewNoopLogger(),
	}, mr
}

func TestRedisBackend_SetGet(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedisBackend(t)

	require.NoError(t, b.Set(ctx, "k", map[string]interface{}{"a": float64(1)}, nil))

	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, v)

	_, ok, err = b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestRedisBackend_TTL(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t)

	require.NoError(t, b.Set(ctx, "short", "v", ttl(time.Minute)))
	require.NoError(t, b.Set(ctx, "forever", "v", nil))

	remaining, ok, err := b.GetTTL(ctx, "short")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, remaining)
	assert.Equal(t, time.Minute, *remaining)

	remaining, ok, err = b.GetTTL(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, remaining, "no expiry reports a nil duration")

	_, ok, err = b.GetTTL(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	// Server-side expiry: the value disappears once the clock passes
	mr.FastForward(2 * time.Minute)
	_, ok, err = b.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend_SetTTL(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedisBackend(t)

	require.NoError(t, b.Set(ctx, "k", "v", nil))

	ok, err := b.SetTTL(ctx, "k", ttl(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	remaining, ok, err := b.GetTTL(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, remaining)
	assert.Equal(t, time.Hour, *remaining)

	// Clearing the ttl persists the key
	ok, err = b.SetTTL(ctx, "k", nil)
	require.NoError(t, err)
	require.True(t, ok)

	remaining, ok, err = b.GetTTL(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, remaining)

	ok, err = b.SetTTL(ctx, "absent", ttl(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend_KeysAndClear(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedisBackend(t)

	require.NoError(t, b.Set(ctx, "model-a:op:x:y", 1, nil))
	require.NoError(t, b.Set(ctx, "model-b:op:x:y", 2, nil))

	keys, err := b.Keys(ctx, "^model-a:")
	require.NoError(t, err)
	assert.Equal(t, []string{"model-a:op:x:y"}, keys)

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	require.NoError(t, b.Clear(ctx))
	size, err = b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	// Stats survive the clear
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Sets)
	assert.Equal(t, int64(1), stats.Clears)
}

func TestRedisBackend_Delete(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedisBackend(t)

	require.NoError(t, b.Set(ctx, "k", "v", nil))

	removed, err := b.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)

	ok, err := b.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend_AccessCountIncrements(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t)

	require.NoError(t, b.Set(ctx, "k", "v", nil))
	for i := 0; i < 3; i++ {
		_, _, err := b.Get(ctx, "k")
		require.NoError(t, err)
	}

	count := mr.HGet("test:cache:metadata:k", "access_count")
	assert.Equal(t, "3", count)
}
