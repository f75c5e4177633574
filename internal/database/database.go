package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"miniquant/internal/logger"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("database: not found")

// DB represents the database connection
type DB struct {
	*sql.DB
	config *Config
	stats  *PoolStats
	mu     sync.RWMutex

	// Monitoring callback
	monitorCallback func(*PoolStats)
	stop            chan struct{}
	stopOnce        sync.Once
}

// Config represents database configuration
type Config struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	Timeout         time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingRetries     int
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	MaxIdleClosed      int64
	MaxLifetimeClosed  int64
	LastUpdated        time.Time
}

func (cfg *Config) setDefaults() {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 25 // 默认最大连接数
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 5 // 默认空闲连接数
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second // 默认连接超时
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 15 * time.Minute
	}
	if cfg.PingRetries <= 0 {
		cfg.PingRetries = 3
	}
}

// NewConnection opens a lib/pq pool and pings it with increasing backoff
func NewConnection(ctx context.Context, cfg *Config) (*DB, error) {
	cfg.setDefaults()

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	var pingErr error
	for i := 0; i < cfg.PingRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		pingErr = db.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}

		logger.Warn("Database ping failed", "attempt", i+1, "max_attempts", cfg.PingRetries, "error", pingErr)
		if i < cfg.PingRetries-1 {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(time.Second * time.Duration(i+1)): // 递增延迟
			}
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", cfg.PingRetries, pingErr)
	}

	logger.Info("Database connection established",
		"max_open", cfg.MaxOpen, "max_idle", cfg.MaxIdle,
		"max_lifetime", cfg.ConnMaxLifetime.String(), "max_idle_time", cfg.ConnMaxIdleTime.String())

	database := &DB{
		DB:     db,
		config: cfg,
		stats:  &PoolStats{},
		stop:   make(chan struct{}),
	}

	go database.monitorPoolStats(30 * time.Second)

	return database, nil
}

// Close stops pool monitoring and closes the connection
func (db *DB) Close() error {
	db.stopOnce.Do(func() { close(db.stop) })
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetPoolStats returns current connection pool statistics
func (db *DB) GetPoolStats() *PoolStats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	stats := *db.stats
	return &stats
}

// SetMonitorCallback sets a callback invoked after every stats refresh
func (db *DB) SetMonitorCallback(callback func(*PoolStats)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.monitorCallback = callback
}

func (db *DB) monitorPoolStats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
			db.updatePoolStats()
		}
	}
}

func (db *DB) updatePoolStats() {
	stats := db.DB.Stats()

	db.mu.Lock()
	db.stats.MaxOpenConnections = stats.MaxOpenConnections
	db.stats.OpenConnections = stats.OpenConnections
	db.stats.InUse = stats.InUse
	db.stats.Idle = stats.Idle
	db.stats.WaitCount = stats.WaitCount
	db.stats.WaitDuration = stats.WaitDuration
	db.stats.MaxIdleClosed = stats.MaxIdleClosed
	db.stats.MaxLifetimeClosed = stats.MaxLifetimeClosed
	db.stats.LastUpdated = time.Now()
	callback := db.monitorCallback
	statsCopy := *db.stats
	db.mu.Unlock()

	if callback != nil {
		callback(&statsCopy)
	}

	if stats.WaitCount > 0 {
		logger.Warn("Database connection pool under pressure",
			"wait_count", stats.WaitCount, "wait_duration", stats.WaitDuration.String(),
			"in_use", stats.InUse, "idle", stats.Idle)
	}
}

// IsHealthy checks if the database connection pool is healthy
func (db *DB) IsHealthy() bool {
	stats := db.GetPoolStats()

	if stats.MaxOpenConnections > 0 && stats.InUse > stats.MaxOpenConnections*80/100 {
		return false
	}
	return stats.WaitCount <= 100
}

// GetHealthStatus returns detailed health status
func (db *DB) GetHealthStatus(ctx context.Context) map[string]interface{} {
	stats := db.GetPoolStats()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pingResult := true
	if err := db.PingContext(pingCtx); err != nil {
		pingResult = false
		logger.Warn("Database health check ping failed", "error", err)
	}

	return map[string]interface{}{
		"healthy":              db.IsHealthy() && pingResult,
		"ping_successful":      pingResult,
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"last_updated":         stats.LastUpdated,
	}
}
