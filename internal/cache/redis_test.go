package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedRun struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(&Config{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	require.NoError(t, rc.Set(ctx, "sensitivity:run:1", cachedRun{ID: "1", Score: 71.5}, time.Minute))

	var got cachedRun
	require.NoError(t, rc.Get(ctx, "sensitivity:run:1", &got))
	assert.Equal(t, 71.5, got.Score)

	ok, err := rc.Exists(ctx, "sensitivity:run:1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, rc.Get(ctx, "sensitivity:run:1", &got), ErrCacheMiss)

	require.NoError(t, rc.Set(ctx, "k", "v", 0))
	require.NoError(t, rc.Delete(ctx, "k"))
	ok, err = rc.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.HealthCheck(ctx))
}

func TestNewCacherUsesRedisWhenReachable(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewCacher(&Config{Enabled: true, Addr: mr.Addr(), MemoryMaxSize: 10})
	defer c.Close()

	_, isFallback := c.(*FallbackCache)
	require.True(t, isFallback)

	require.NoError(t, c.Set(context.Background(), "a", 1, time.Minute))
	assert.True(t, mr.Exists("a"))
}

func TestNewCacherDegradesToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := NewCacher(&Config{Enabled: true, Addr: addr, MemoryMaxSize: 10})
	defer c.Close()

	_, isMemory := c.(*MemoryCache)
	assert.True(t, isMemory)
}
