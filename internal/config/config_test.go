package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 8, cfg.Workers.PoolSize)
	assert.Equal(t, "conduit", cfg.Workers.QueueName)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9999"
workers:
  pool_size: 2
`), 0o644))

	t.Setenv("CONDUIT_WORKER_POOL_SIZE", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr, "file overrides default")
	assert.Equal(t, 16, cfg.Workers.PoolSize, "env overrides file")
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
