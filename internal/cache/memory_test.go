package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedResult struct {
	Score float64 `json:"score"`
	Level string  `json:"level"`
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	mc := NewMemoryCache(10)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "run:1", cachedResult{Score: 72.5, Level: "robust"}, time.Minute))

	var got cachedResult
	require.NoError(t, mc.Get(ctx, "run:1", &got))
	assert.Equal(t, 72.5, got.Score)
	assert.Equal(t, "robust", got.Level)

	ok, err := mc.Exists(ctx, "run:1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, mc.Delete(ctx, "run:1"))
	assert.ErrorIs(t, mc.Get(ctx, "run:1", &got), ErrCacheMiss)
}

func TestMemoryCacheExpiration(t *testing.T) {
	mc := NewMemoryCache(10)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "short", 1, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	var v int
	assert.ErrorIs(t, mc.Get(ctx, "short", &v), ErrCacheMiss)
	ok, err := mc.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	mc := NewMemoryCache(2)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", 1, time.Minute))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, mc.Set(ctx, "b", 2, time.Minute))
	time.Sleep(2 * time.Millisecond)

	var v int
	require.NoError(t, mc.Get(ctx, "a", &v))
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, mc.Set(ctx, "c", 3, time.Minute))

	assert.Equal(t, 2, mc.Size())
	assert.ErrorIs(t, mc.Get(ctx, "b", &v), ErrCacheMiss)
	require.NoError(t, mc.Get(ctx, "a", &v))
	assert.Equal(t, 1, v)
}

func TestMemoryCacheStoresCopies(t *testing.T) {
	mc := NewMemoryCache(10)
	defer mc.Close()
	ctx := context.Background()

	values := []float64{0.1, 0.2}
	require.NoError(t, mc.Set(ctx, "k", values, time.Minute))
	values[0] = 99

	var got []float64
	require.NoError(t, mc.Get(ctx, "k", &got))
	assert.Equal(t, []float64{0.1, 0.2}, got)
}
