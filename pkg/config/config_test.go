package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: https://api.tskulis.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
	assert.Equal(t, time.Minute, cfg.Cache.StaleTime)
	assert.Equal(t, 5*time.Minute, cfg.Cache.CacheTime)
	assert.Equal(t, 3, cfg.Cache.RetryCount)
	assert.Equal(t, 30*time.Second, cfg.Offline.DrainInterval)
	assert.Equal(t, "https://api.tskulis.com", cfg.Offline.ProbeURL, "probe url falls back to backend url")
	assert.Equal(t, 10, cfg.Telemetry.BatchSize)
	assert.Equal(t, 20, cfg.Telemetry.MaxStoredBatches)
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9090"
  timeout: 15s
backend:
  url: https://api.tskulis.com
  timeout: 5s
cache:
  stale_time: 30s
  cache_time: 2m
  retry_count: 5
offline:
  max_retries: 7
  probe_url: https://www.google.com
telemetry:
  endpoint: https://errors.tskulis.com/collect
  batch_size: 25
  ignore_messages:
    - ResizeObserver
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Cache.StaleTime)
	assert.Equal(t, 5, cfg.Cache.RetryCount)
	assert.Equal(t, 7, cfg.Offline.MaxRetries)
	assert.Equal(t, "https://www.google.com", cfg.Offline.ProbeURL)
	assert.Equal(t, 25, cfg.Telemetry.BatchSize)
	assert.Equal(t, []string{"ResizeObserver"}, cfg.Telemetry.IgnoreMessages)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TSKULIS_BACKEND", "https://staging.tskulis.com")
	path := writeConfig(t, `
backend:
  url: ${TSKULIS_BACKEND}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://staging.tskulis.com", cfg.Backend.URL)
}

func TestLoad_MissingBackendURL(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":8080"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.url")
}

func TestLoad_RejectsStaleAboveCache(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: https://api.tskulis.com
cache:
  stale_time: 10m
  cache_time: 1m
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_time")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
