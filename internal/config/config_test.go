package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronoctx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, int64(32), cfg.Engine.SnapshotInterval)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: badger
  path: /tmp/ctx
  badger:
    gc_interval: 5m
engine:
  merge_mode: deep
server:
  rate_limit: 25.5
  burst: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/ctx", cfg.Storage.Path)
	assert.Equal(t, 5*time.Minute, cfg.Storage.Badger.GCInterval)
	assert.Equal(t, 0.5, cfg.Storage.Badger.GCRatio) // default kept
	assert.Equal(t, "deep", cfg.Engine.MergeMode)
	assert.Equal(t, int64(32), cfg.Engine.SnapshotInterval)
	assert.Equal(t, 25.5, cfg.Server.RateLimit)
	assert.Equal(t, 50, cfg.Server.Burst)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, "engine:\n  snapshot_intervall: 8\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot_intervall")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"backend", func(c *Config) { c.Storage.Backend = "postgres" }, "backend"},
		{"empty path", func(c *Config) { c.Storage.Path = "" }, "path"},
		{"snapshot interval", func(c *Config) { c.Engine.SnapshotInterval = 0 }, "snapshot_interval"},
		{"merge mode", func(c *Config) { c.Engine.MergeMode = "sideways" }, "merge_mode"},
		{"negative cache", func(c *Config) { c.Engine.CacheMaxCost = -1 }, "cache_max_cost"},
		{"gc ratio", func(c *Config) { c.Storage.Badger.GCRatio = 1.5 }, "gc_ratio"},
		{"rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "rate_limit"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "level"},
		{"trace exporter", func(c *Config) { c.Telemetry.Traces = "jaeger" }, "traces"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Field, tt.field)
		})
	}
}

func TestLoadWrapsValidationError(t *testing.T) {
	_, err := Load(writeConfig(t, "log:\n  format: xml\n"))
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Field, "format")
}
