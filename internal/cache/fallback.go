package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"miniquant/internal/logger"
)

// HealthChecker is implemented by caches that can be probed
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// FallbackConfig defines fallback configuration
type FallbackConfig struct {
	FailureThreshold    int
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// DefaultFallbackConfig returns the default fallback configuration
func DefaultFallbackConfig() *FallbackConfig {
	return &FallbackConfig{
		FailureThreshold:    3,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
	}
}

// FallbackCache writes through to a primary cache and a memory cache. After
// FailureThreshold consecutive primary errors it serves from memory only until
// a health check succeeds.
type FallbackCache struct {
	primary  Cacher
	memory   *MemoryCache
	config   *FallbackConfig
	mu       sync.RWMutex
	fallback bool
	failures int
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewFallbackCache creates a cache with memory fallback
func NewFallbackCache(primary Cacher, memory *MemoryCache, config *FallbackConfig) *FallbackCache {
	if config == nil {
		config = DefaultFallbackConfig()
	}
	if memory == nil {
		memory = NewMemoryCache(0)
	}

	fc := &FallbackCache{
		primary:  primary,
		memory:   memory,
		config:   config,
		stopChan: make(chan struct{}),
	}

	if _, ok := primary.(HealthChecker); ok && config.HealthCheckInterval > 0 {
		go fc.healthLoop()
	}
	return fc
}

// Get reads the primary first, then memory
func (fc *FallbackCache) Get(ctx context.Context, key string, dest interface{}) error {
	if !fc.InFallback() {
		err := fc.primary.Get(ctx, key, dest)
		if err == nil {
			fc.recordSuccess()
			return nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			fc.recordFailure("get", err)
		}
	}
	return fc.memory.Get(ctx, key, dest)
}

// Set always stores in memory, and in the primary unless in fallback mode
func (fc *FallbackCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := fc.memory.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	if fc.InFallback() {
		return nil
	}
	if err := fc.primary.Set(ctx, key, value, expiration); err != nil {
		fc.recordFailure("set", err)
		return nil
	}
	fc.recordSuccess()
	return nil
}

// Delete removes the key from both layers
func (fc *FallbackCache) Delete(ctx context.Context, key string) error {
	_ = fc.memory.Delete(ctx, key)
	if fc.InFallback() {
		return nil
	}
	if err := fc.primary.Delete(ctx, key); err != nil {
		fc.recordFailure("delete", err)
	}
	return nil
}

// Exists checks the primary first, then memory
func (fc *FallbackCache) Exists(ctx context.Context, key string) (bool, error) {
	if !fc.InFallback() {
		ok, err := fc.primary.Exists(ctx, key)
		if err == nil && ok {
			return true, nil
		}
		if err != nil {
			fc.recordFailure("exists", err)
		}
	}
	return fc.memory.Exists(ctx, key)
}

// InFallback reports whether the primary is bypassed
func (fc *FallbackCache) InFallback() bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.fallback
}

func (fc *FallbackCache) recordFailure(op string, err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.failures++
	if !fc.fallback && fc.failures >= fc.config.FailureThreshold {
		fc.fallback = true
		logger.Warn("Cache fallback enabled", "operation", op, "failures", fc.failures, "error", err)
	}
}

func (fc *FallbackCache) recordSuccess() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.failures = 0
}

// CheckHealth probes the primary and leaves fallback mode on success
func (fc *FallbackCache) CheckHealth(ctx context.Context) error {
	checker, ok := fc.primary.(HealthChecker)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, fc.config.HealthCheckTimeout)
	defer cancel()

	if err := checker.HealthCheck(ctx); err != nil {
		fc.recordFailure("health_check", err)
		return err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.failures = 0
	if fc.fallback {
		fc.fallback = false
		logger.Info("Cache fallback disabled, primary recovered")
	}
	return nil
}

func (fc *FallbackCache) healthLoop() {
	ticker := time.NewTicker(fc.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = fc.CheckHealth(context.Background())
		case <-fc.stopChan:
			return
		}
	}
}

// Close stops health checks and closes both layers
func (fc *FallbackCache) Close() error {
	fc.stopOnce.Do(func() { close(fc.stopChan) })
	_ = fc.memory.Close()
	return fc.primary.Close()
}
