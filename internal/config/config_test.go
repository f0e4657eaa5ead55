package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 4096, cfg.Snapshot.ChunkSize)
	assert.Equal(t, int64(5), cfg.Snapshot.CircuitBreaker.MaxFailures)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datahub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\nsnapshot:\n  chunk_size: 8192\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8192, cfg.Snapshot.ChunkSize)
}

func TestLoadConfigRejectsInvalidLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datahub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: bogus\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datahub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	t.Setenv("DHUB_LOG_LEVEL", "warn")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestReloaderDetectsFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datahub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	_ = cfg

	r := NewReloader(path, ReloadConfig{Enabled: true, DebounceInterval: 0, PollInterval: 0}, discardLogger())
	changed := make(chan *Config, 1)
	r.SetCallbacks(func(c *Config) { changed <- c }, nil)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))
	r.performReload()

	select {
	case c := <-changed:
		assert.Equal(t, "debug", c.Logging.Level)
	default:
		t.Fatal("expected performReload to detect the content change")
	}
}
