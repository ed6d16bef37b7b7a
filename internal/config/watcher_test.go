package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"docrelay/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestWatcher_ReloadNotifies(t *testing.T) {
	path := writeConfig(t, `{"callback":{"token":"tok"},"log_level":"info"}`)
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, testLogger())
	var seen *models.Config
	w.OnChange(func(old, updated *models.Config) {
		assert.Equal(t, "info", old.LogLevel)
		seen = updated
	})

	require.NoError(t, os.WriteFile(path, []byte(`{"callback":{"token":"tok"},"log_level":"warn"}`), 0o600))
	assert.True(t, w.Reload())
	require.NotNil(t, seen)
	assert.Equal(t, "warn", seen.LogLevel)
	assert.Equal(t, "warn", w.Config().LogLevel)
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	path := writeConfig(t, `{"log_level":"info"}`)
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, testLogger())
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"nope"}`), 0o600))

	assert.False(t, w.Reload())
	assert.Same(t, initial, w.Config())
}

func TestWatcher_CallbackPanicRecovered(t *testing.T) {
	path := writeConfig(t, `{}`)
	w := NewWatcher(path, nil, testLogger())
	var called atomic.Bool
	w.OnChange(func(_, _ *models.Config) { panic("boom") })
	w.OnChange(func(_, _ *models.Config) { called.Store(true) })

	assert.NotPanics(t, func() { w.Reload() })
	assert.True(t, called.Load())
}

func TestWatcher_RunDetectsChange(t *testing.T) {
	path := writeConfig(t, `{"log_level":"info"}`)
	w := NewWatcher(path, nil, testLogger())
	w.interval = 10 * time.Millisecond

	changed := make(chan string, 1)
	w.OnChange(func(_, updated *models.Config) { changed <- updated.LogLevel })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"error"}`), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case level := <-changed:
		assert.Equal(t, "error", level)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not pick up the change")
	}
}

func TestLogLevelUpdater(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	update := LogLevelUpdater(logger)

	update(&models.Config{LogLevel: "info"}, &models.Config{LogLevel: "debug"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	update(&models.Config{LogLevel: "debug"}, &models.Config{LogLevel: "bogus"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}
