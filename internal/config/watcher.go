package config

import (
	"context"
	"os"
	"sync"
	"time"

	"docrelay/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultWatchInterval = 5 * time.Second

// Watcher polls the config file and reloads it when it changes. Only
// settings that are safe to change at runtime are acted on by callers;
// the rest take effect on restart.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *logrus.Logger

	mu        sync.RWMutex
	config    *models.Config
	callbacks []func(old, updated *models.Config)
}

func NewWatcher(path string, initial *models.Config, logger *logrus.Logger) *Watcher {
	return &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		logger:   logger,
		config:   initial,
	}
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn func(old, updated *models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	stat, err := os.Stat(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Warn("Config watcher disabled")
		return
	}
	lastMod := stat.ModTime()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil {
				w.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}
			if stat.ModTime().After(lastMod) {
				lastMod = stat.ModTime()
				w.Reload()
			}
		}
	}
}

// Reload loads the file now. A config that fails validation is rejected and
// the previous one stays active.
func (w *Watcher) Reload() bool {
	updated, err := LoadConfig(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload configuration")
		return false
	}

	w.mu.Lock()
	old := w.config
	w.config = updated
	callbacks := make([]func(old, updated *models.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded")
	for _, cb := range callbacks {
		w.safeCall(cb, old, updated)
	}
	return true
}

func (w *Watcher) safeCall(cb func(old, updated *models.Config), old, updated *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(old, updated)
}

// LogLevelUpdater returns a callback that applies log_level changes to logger.
func LogLevelUpdater(logger *logrus.Logger) func(old, updated *models.Config) {
	return func(old, updated *models.Config) {
		if old != nil && old.LogLevel == updated.LogLevel {
			return
		}
		level, err := logrus.ParseLevel(updated.LogLevel)
		if err != nil {
			return
		}
		logger.SetLevel(level)
		logger.WithField("level", level.String()).Info("Log level changed")
	}
}
