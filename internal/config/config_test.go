package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preacher1045/pdsno/internal/model"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pdsno.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
store:
  path: /var/lib/pdsno/state.db
identity:
  id: regional-eu
  authority: REGIONAL
writes:
  max_attempts: 5
  base_backoff: 20ms
  max_backoff: 1s
locks:
  sweep_interval: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pdsno/state.db", cfg.Store.Path)
	assert.Equal(t, model.Identity{ID: "regional-eu", Authority: model.AuthorityRegional}, cfg.Identity.Identity())
	assert.Equal(t, 5, cfg.Writes.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Writes.BaseBackoff.Std())
	assert.Equal(t, 30*time.Second, cfg.Locks.SweepInterval.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.Locks.Retention.Std())
	assert.Equal(t, 3, cfg.Discovery.MissedCycleThreshold)
	require.NoError(t, cfg.Validate())
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := Load(writeFile(t, "store:\n  pth: x\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Store, cfg.Store)
}

func TestLoadFile_MissingFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFile("")
	assert.Error(t, err)

	cfg, err := LoadFile(writeFile(t, "store: {path: file.db}\n"))
	require.NoError(t, err)
	assert.Equal(t, "file.db", cfg.Store.Path)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "pdsno.db", cfg.Store.Path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PDSNO_STORE_PATH", "/tmp/env.db")
	t.Setenv("PDSNO_IDENTITY_AUTHORITY", "global")
	t.Setenv("PDSNO_LOG_JSON", "true")

	cfg, err := Load(writeFile(t, "store: {path: file.db}\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Store.Path)
	assert.Equal(t, model.AuthorityGlobal, cfg.Identity.Authority)
	assert.True(t, cfg.Logging.JSON)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("PDSNO_IDENTITY_AUTHORITY", "emperor")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no store", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"no identity", func(c *Config) { c.Identity.ID = "" }, "identity.id"},
		{"bad authority", func(c *Config) { c.Identity.Authority = model.AuthorityUnknown }, "identity.authority"},
		{"zero attempts", func(c *Config) { c.Writes.MaxAttempts = 0 }, "writes.max_attempts"},
		{"backoff inverted", func(c *Config) { c.Writes.MaxBackoff = 0 }, "writes.max_backoff"},
		{"threshold", func(c *Config) { c.Discovery.MissedCycleThreshold = 0 }, "discovery.missed_cycle_threshold"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}
