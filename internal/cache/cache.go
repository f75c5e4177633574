package cache

import (
	"context"
	"errors"
	"time"

	"miniquant/internal/logger"
)

// ErrCacheMiss is returned when a key is absent or expired
var ErrCacheMiss = errors.New("cache: miss")

// Cacher defines the interface for cache operations. Values are stored as
// JSON, so Get decodes into dest.
type Cacher interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Config represents cache configuration
type Config struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	MemoryMaxSize int
}

// NewCacher returns redis with a memory fallback when enabled, otherwise a
// memory cache. An unreachable redis degrades to memory with a warning.
func NewCacher(cfg *Config) Cacher {
	memory := NewMemoryCache(cfg.MemoryMaxSize)
	if !cfg.Enabled {
		return memory
	}

	redisCache, err := NewRedisCache(cfg)
	if err != nil {
		logger.Warn("Redis unavailable, using memory cache", "addr", cfg.Addr, "error", err)
		return memory
	}
	return NewFallbackCache(redisCache, memory, nil)
}
