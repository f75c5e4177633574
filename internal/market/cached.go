package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"miniquant/internal/cache"
	"miniquant/internal/logger"
)

// DefaultCacheTTL keeps daily bars for a trading day
const DefaultCacheTTL = 12 * time.Hour

// CachedFeed stores loaded bars in a cache.Cacher keyed by code and range.
// Concurrent loads of the same key share one upstream call.
type CachedFeed struct {
	inner  Feed
	cache  cache.Cacher
	ttl    time.Duration
	group  singleflight.Group
	logger logger.Logger
}

// NewCachedFeed wraps inner. A non-positive ttl uses DefaultCacheTTL.
func NewCachedFeed(inner Feed, c cache.Cacher, ttl time.Duration) *CachedFeed {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedFeed{
		inner:  inner,
		cache:  c,
		ttl:    ttl,
		logger: logger.WithField("component", "cached_feed"),
	}
}

func barsKey(code string, start, end time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%s", code, keyDate(start), keyDate(end))
}

func keyDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("20060102")
}

// Bars implements Feed
func (f *CachedFeed) Bars(ctx context.Context, code string, start, end time.Time) ([]Bar, error) {
	key := barsKey(code, start, end)

	var cached []Bar
	err := f.cache.Get(ctx, key, &cached)
	if err == nil && len(cached) > 0 {
		return cached, nil
	}
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		f.logger.Warn("Bar cache read failed", "key", key, "error", err)
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		bars, err := f.inner.Bars(ctx, code, start, end)
		if err != nil {
			return nil, err
		}
		if err := f.cache.Set(ctx, key, bars, f.ttl); err != nil {
			f.logger.Warn("Bar cache write failed", "key", key, "error", err)
		}
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Bar), nil
}

// Invalidate drops the cached range for a code
func (f *CachedFeed) Invalidate(ctx context.Context, code string, start, end time.Time) error {
	return f.cache.Delete(ctx, barsKey(code, start, end))
}
