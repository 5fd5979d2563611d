package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	c, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, c.File)
	assert.Equal(t, daemon.DefaultSyncConfig(), c.Sync())
	assert.Equal(t, "127.0.0.1:8080", c.Dashboard.Addr)
}

func TestWriteFileThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	want := Default()
	want.DBPath = "/var/lib/offsync/offsync.db"
	want.Backend.URL = "https://api.example.com"
	want.Policy.MaxRetries = 5
	want.Policy.ConflictResolutionWindow = 45 * time.Second
	want.Log.File = "/var/log/offsync.log"
	require.NoError(t, WriteFile(path, want, false))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, got.File)
	got.File = ""
	assert.Equal(t, want, got)
}

func TestWriteFile_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, WriteFile(path, Default(), false))

	err := WriteFile(path, Default(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	assert.NoError(t, WriteFile(path, Default(), true))
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
[sync]
max_retries = 4
interval = "1m"
`), 0600))

	t.Setenv("OFFSYNC_SYNC_MAX_RETRIES", "7")
	t.Setenv("OFFSYNC_BACKEND_URL", "http://localhost:9000")
	t.Setenv("OFFSYNC_SYNC_REQUEST_TIMEOUT", "10s")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Policy.MaxRetries)
	assert.Equal(t, time.Minute, c.Policy.Interval)
	assert.Equal(t, 10*time.Second, c.Sync().RequestTimeout)
	assert.Equal(t, "http://localhost:9000", c.Backend.URL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"negative retries", func(c *Config) { c.Policy.MaxRetries = -1 }},
		{"zero retries", func(c *Config) { c.Policy.MaxRetries = 0 }},
		{"zero initial delay", func(c *Config) { c.Policy.InitialRetryDelay = 0 }},
		{"max below initial", func(c *Config) { c.Policy.MaxRetryDelay = time.Second }},
		{"multiplier below one", func(c *Config) { c.Policy.RetryBackoffMultiplier = 0.5 }},
		{"negative window", func(c *Config) { c.Policy.ConflictResolutionWindow = -time.Second }},
		{"negative interval", func(c *Config) { c.Policy.Interval = -time.Second }},
		{"negative bytes", func(c *Config) { c.Policy.MaxCacheBytes = -1 }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLogging(t *testing.T) {
	c := Default()
	c.Log.File = "/tmp/offsync.log"
	c.Log.Compress = true

	opts := c.Logging()
	assert.Equal(t, "/tmp/offsync.log", opts.File)
	assert.True(t, opts.Compress)
	assert.Equal(t, c.Log.MaxBackups, opts.MaxBackups)
}
