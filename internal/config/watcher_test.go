package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/util"
)

const watcherWaitTimeout = 5 * time.Second

func startWatcher(t *testing.T, path string) (*Watcher, chan *Config, chan error) {
	t.Helper()

	reloaded := make(chan *Config, 8)
	failed := make(chan error, 8)

	w, err := NewWatcher(path,
		func(cfg *Config) { reloaded <- cfg },
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(err error) { failed <- err }),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	return w, reloaded, failed
}

func awaitReload(t *testing.T, ch chan *Config) *Config {
	t.Helper()
	select {
	case cfg := <-ch:
		return cfg
	case <-time.After(watcherWaitTimeout):
		t.Fatal("timed out waiting for reload callback")
		return nil
	}
}

func awaitError(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(watcherWaitTimeout):
		t.Fatal("timed out waiting for error callback")
		return nil
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w, _, _ := startWatcher(t, path)

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Len(t, cfg.Routes, 2)
}

func TestWatcherStartFailsWithoutFile(t *testing.T) {
	w, err := NewWatcher("/nonexistent/gantry.yaml", nil)
	require.NoError(t, err)

	err = w.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w, reloaded, _ := startWatcher(t, path)

	updated := strings.Replace(sampleConfig, "port: 8080", "port: 9999", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	cfg := awaitReload(t, reloaded)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 9999, w.LastConfig().Server.Port)
}

func TestWatcherKeepsLastValidOnBadWrite(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w, reloaded, failed := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("routes: {{{"), 0o600))

	err := awaitError(t, failed)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	assert.Equal(t, 8080, w.LastConfig().Server.Port)

	// A subsequent valid write recovers without a restart.
	updated := strings.Replace(sampleConfig, "port: 8080", "port: 8081", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	cfg := awaitReload(t, reloaded)
	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestWatcherRejectsSemanticViolation(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w, _, failed := startWatcher(t, path)

	// Well-formed YAML, but the route now points at a backend that
	// does not exist. Validation must keep the old document in force.
	updated := strings.ReplaceAll(sampleConfig, "backend: users", "backend: ghosts")
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	err := awaitError(t, failed)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	assert.Equal(t, "users", w.LastConfig().Routes[0].Backend)
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w, reloaded, _ := startWatcher(t, path)

	sibling := strings.Replace(path, "gantry.yaml", "notes.txt", 1)
	require.NoError(t, os.WriteFile(sibling, []byte("scratch"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("sibling file write should not trigger a reload")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 8080, w.LastConfig().Server.Port)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w, _, _ := startWatcher(t, path)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestForceReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	// ForceReload does not need the watch loop, so the callback runs
	// synchronously on the caller's goroutine.
	var got *Config
	w, err := NewWatcher(path, func(cfg *Config) { got = cfg })
	require.NoError(t, err)

	require.NoError(t, w.ForceReload())
	require.NotNil(t, got)
	assert.Equal(t, 8080, got.Server.Port)
	assert.Equal(t, 8080, w.LastConfig().Server.Port)

	updated := strings.Replace(sampleConfig, "port: 8080", "port: 8082", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.NoError(t, w.ForceReload())
	assert.Equal(t, 8082, got.Server.Port)
}
