package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyCache is a primary whose availability can be toggled
type flakyCache struct {
	mu   sync.Mutex
	down bool
	mem  *MemoryCache
}

var errDown = errors.New("connection refused")

func newFlakyCache() *flakyCache {
	return &flakyCache{mem: NewMemoryCache(100)}
}

func (f *flakyCache) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyCache) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyCache) Get(ctx context.Context, key string, dest interface{}) error {
	if f.isDown() {
		return errDown
	}
	return f.mem.Get(ctx, key, dest)
}

func (f *flakyCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if f.isDown() {
		return errDown
	}
	return f.mem.Set(ctx, key, value, ttl)
}

func (f *flakyCache) Delete(ctx context.Context, key string) error {
	if f.isDown() {
		return errDown
	}
	return f.mem.Delete(ctx, key)
}

func (f *flakyCache) Exists(ctx context.Context, key string) (bool, error) {
	if f.isDown() {
		return false, errDown
	}
	return f.mem.Exists(ctx, key)
}

func (f *flakyCache) HealthCheck(ctx context.Context) error {
	if f.isDown() {
		return errDown
	}
	return nil
}

func (f *flakyCache) Close() error { return f.mem.Close() }

func TestFallbackCacheSwitchesToMemory(t *testing.T) {
	primary := newFlakyCache()
	fc := NewFallbackCache(primary, nil, &FallbackConfig{
		FailureThreshold:   2,
		HealthCheckTimeout: time.Second,
	})
	defer fc.Close()
	ctx := context.Background()

	require.NoError(t, fc.Set(ctx, "k", "v1", time.Minute))

	primary.setDown(true)
	var got string
	require.NoError(t, fc.Get(ctx, "k", &got))
	assert.Equal(t, "v1", got)
	assert.False(t, fc.InFallback())

	require.NoError(t, fc.Set(ctx, "k2", "v2", time.Minute))
	assert.True(t, fc.InFallback())

	require.NoError(t, fc.Get(ctx, "k2", &got))
	assert.Equal(t, "v2", got)
}

func TestFallbackCacheRecoversOnHealthCheck(t *testing.T) {
	primary := newFlakyCache()
	fc := NewFallbackCache(primary, nil, &FallbackConfig{
		FailureThreshold:   1,
		HealthCheckTimeout: time.Second,
	})
	defer fc.Close()
	ctx := context.Background()

	primary.setDown(true)
	require.NoError(t, fc.Set(ctx, "k", 1, time.Minute))
	require.True(t, fc.InFallback())

	assert.Error(t, fc.CheckHealth(ctx))
	assert.True(t, fc.InFallback())

	primary.setDown(false)
	require.NoError(t, fc.CheckHealth(ctx))
	assert.False(t, fc.InFallback())
}

func TestNewCacherDisabledUsesMemory(t *testing.T) {
	c := NewCacher(&Config{Enabled: false, MemoryMaxSize: 5})
	defer c.Close()

	_, ok := c.(*MemoryCache)
	assert.True(t, ok)
}
