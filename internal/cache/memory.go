package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryCache implements an in-memory cache with TTL and LRU eviction
type MemoryCache struct {
	items    map[string]*memoryItem
	mu       sync.Mutex
	maxSize  int
	stopChan chan struct{}
	stopOnce sync.Once
}

type memoryItem struct {
	value      []byte
	expiration time.Time
	accessed   time.Time
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}

	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go mc.cleanupLoop()

	return mc
}

// Get decodes the stored value into dest
func (mc *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	item, exists := mc.items[key]
	if !exists {
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	if time.Now().After(item.expiration) {
		delete(mc.items, key)
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	item.accessed = time.Now()
	data := item.value
	mc.mu.Unlock()

	return json.Unmarshal(data, dest)
}

// Set stores a value, evicting the least recently used entry when full.
// A non-positive expiration keeps the entry for 24 hours.
func (mc *MemoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.items[key]; !exists && len(mc.items) >= mc.maxSize {
		mc.evictLRU()
	}

	now := time.Now()
	mc.items[key] = &memoryItem{
		value:      data,
		expiration: now.Add(expiration),
		accessed:   now,
	}
	return nil
}

// Delete removes a value from memory cache
func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.items, key)
	return nil
}

// Exists checks if a live key exists
func (mc *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, exists := mc.items[key]
	if !exists {
		return false, nil
	}
	if time.Now().After(item.expiration) {
		delete(mc.items, key)
		return false, nil
	}
	return true, nil
}

// Size returns the number of stored entries, expired ones included
func (mc *MemoryCache) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.items)
}

// evictLRU must be called with mu held
func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, item := range mc.items {
		if oldestKey == "" || item.accessed.Before(oldest) {
			oldestKey = key
			oldest = item.accessed
		}
	}
	if oldestKey != "" {
		delete(mc.items, oldestKey)
	}
}

func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.cleanup()
		case <-mc.stopChan:
			return
		}
	}
}

func (mc *MemoryCache) cleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for key, item := range mc.items {
		if now.After(item.expiration) {
			delete(mc.items, key)
		}
	}
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() { close(mc.stopChan) })
	return nil
}
