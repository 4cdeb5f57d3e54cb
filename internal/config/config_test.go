package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 50*time.Millisecond, cfg.Capture.PollInterval)
	assert.Equal(t, 4096, cfg.Capture.RingCapacity)
	assert.Equal(t, 120*time.Second, cfg.Screenshot.SameAppCooldown)
	assert.Equal(t, 30*time.Second, cfg.Screenshot.AnyCooldown)
	assert.Equal(t, 12, cfg.Screenshot.HourlyCap)
	assert.Equal(t, 60, cfg.Screenshot.DailyCap)
	assert.EqualValues(t, 100<<20, cfg.Spool.MaxBytes)
	assert.NotEmpty(t, cfg.IPC.Endpoint)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Capture.BatchSize, cfg.Capture.BatchSize)
}

func TestLoadPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engagement:
  id: eng-42
logging:
  level: debug
capture:
  poll_interval: 100ms
filter:
  blocklist:
    - notepad.exe
    - "internal-*"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eng-42", cfg.Engagement.ID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 100*time.Millisecond, cfg.Capture.PollInterval)
	assert.Equal(t, []string{"notepad.exe", "internal-*"}, cfg.Filter.Blocklist)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Capture.RingCapacity, cfg.Capture.RingCapacity)
	assert.Equal(t, Default().Screenshot.HourlyCap, cfg.Screenshot.HourlyCap)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: verbose\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("capture:\n  ring_capacity: 1\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("capture: [not a map\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestWatcherDeliversReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { got <- c }, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcherIgnoresBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { got <- c }, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging: [broken\n"), 0o644))

	select {
	case <-got:
		t.Fatal("broken config must not reach the callback")
	case <-time.After(700 * time.Millisecond):
	}
}
