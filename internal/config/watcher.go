package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"miniquant/internal/logger"
)

// UpdateCallback is invoked with the reloaded configuration
type UpdateCallback func(*Config) error

// Watcher polls the configuration file and reloads it when it changes
type Watcher struct {
	configPath    string
	checkInterval time.Duration
	lastModTime   time.Time
	callbacks     []UpdateCallback
	mu            sync.RWMutex
	running       bool
}

// NewWatcher creates a new configuration watcher
func NewWatcher(configPath string, checkInterval time.Duration) *Watcher {
	w := &Watcher{
		configPath:    configPath,
		checkInterval: checkInterval,
	}
	if stat, err := os.Stat(configPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w
}

// AddCallback adds a callback for configuration updates
func (w *Watcher) AddCallback(callback UpdateCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start blocks until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	logger.Info("Starting configuration watcher", "path", w.configPath)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return ctx.Err()

		case <-ticker.C:
			if _, err := w.CheckAndReload(); err != nil {
				logger.Warn("Configuration reload failed", "path", w.configPath, "error", err)
			}
		}
	}
}

// CheckAndReload reloads the file when its mtime moved forward. It reports
// whether a reload happened.
func (w *Watcher) CheckAndReload() (bool, error) {
	stat, err := os.Stat(w.configPath)
	if err != nil {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	w.mu.RLock()
	last := w.lastModTime
	w.mu.RUnlock()

	modTime := stat.ModTime()
	if !modTime.After(last) {
		return false, nil
	}

	newConfig, err := Load(w.configPath)
	if err != nil {
		return false, fmt.Errorf("failed to reload config: %w", err)
	}

	w.mu.Lock()
	w.lastModTime = modTime
	callbacks := make([]UpdateCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			logger.Error("Configuration update callback error", "error", err)
		}
	}

	logger.Info("Configuration reloaded", "path", w.configPath)
	return true, nil
}

// IsRunning returns whether the watcher is currently running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
