// Package config loads the offsync process configuration.
//
// Values come from, in increasing priority: built-in defaults, an
// offsync.toml (or any format viper reads) and OFFSYNC_* environment
// variables, where nested keys use underscores (OFFSYNC_SYNC_MAX_RETRIES).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/Mschirtzinger/offsync/internal/logging"
	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
)

// FileName is the config file name searched for without an explicit path.
const FileName = "offsync.toml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFSYNC"

// Config is the process configuration.
type Config struct {
	DBPath    string          `mapstructure:"db_path" yaml:"db_path" json:"db_path"`
	OutboxDir string          `mapstructure:"outbox_dir" yaml:"outbox_dir" json:"outbox_dir"`
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend" json:"backend"`
	Policy    SyncSection     `mapstructure:"sync" yaml:"sync" json:"sync"`
	Log       LogSection      `mapstructure:"log" yaml:"log" json:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard" json:"dashboard"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-" json:"-"`
}

// BackendConfig locates the remote backend.
type BackendConfig struct {
	URL           string        `mapstructure:"url" yaml:"url" json:"url"`
	Token         string        `mapstructure:"token" yaml:"token,omitempty" json:"-"`
	RealtimeURL   string        `mapstructure:"realtime_url" yaml:"realtime_url" json:"realtime_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" json:"probe_interval"`
}

// SyncSection mirrors daemon.SyncConfig.
type SyncSection struct {
	Interval                 time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	MaxRetries               int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	InitialRetryDelay        time.Duration `mapstructure:"initial_retry_delay" yaml:"initial_retry_delay" json:"initial_retry_delay"`
	MaxRetryDelay            time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay"`
	RetryBackoffMultiplier   float64       `mapstructure:"retry_backoff_multiplier" yaml:"retry_backoff_multiplier" json:"retry_backoff_multiplier"`
	ConflictResolutionWindow time.Duration `mapstructure:"conflict_resolution_window" yaml:"conflict_resolution_window" json:"conflict_resolution_window"`
	RequestTimeout           time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	MaxCacheEntries          int           `mapstructure:"max_cache_entries" yaml:"max_cache_entries" json:"max_cache_entries"`
	MaxCacheBytes            int64         `mapstructure:"max_cache_bytes" yaml:"max_cache_bytes" json:"max_cache_bytes"`
	EvictionInterval         time.Duration `mapstructure:"eviction_interval" yaml:"eviction_interval" json:"eviction_interval"`
}

// LogSection configures log output.
type LogSection struct {
	File       string `mapstructure:"file" yaml:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" json:"compress"`
}

// DashboardConfig configures the dashboard server.
type DashboardConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval" json:"health_interval"`
}

// DataDir returns the default directory for the database and outbox.
func DataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "offsync")
	}
	return ".offsync"
}

// Default returns the built-in configuration.
func Default() *Config {
	sc := daemon.DefaultSyncConfig()
	lo := logging.DefaultOptions()
	dir := DataDir()
	return &Config{
		DBPath:    filepath.Join(dir, "offsync.db"),
		OutboxDir: filepath.Join(dir, "outbox"),
		Backend: BackendConfig{
			ProbeInterval: 15 * time.Second,
		},
		Policy: SyncSection{
			Interval:                 sc.SyncInterval,
			MaxRetries:               sc.MaxRetries,
			InitialRetryDelay:        sc.InitialRetryDelay,
			MaxRetryDelay:            sc.MaxRetryDelay,
			RetryBackoffMultiplier:   sc.RetryBackoffMultiplier,
			ConflictResolutionWindow: sc.ConflictResolutionWindow,
			RequestTimeout:           sc.RequestTimeout,
			MaxCacheEntries:          sc.MaxCacheEntries,
			MaxCacheBytes:            sc.MaxCacheBytes,
			EvictionInterval:         sc.EvictionInterval,
		},
		Log: LogSection{
			MaxSizeMB:  lo.MaxSizeMB,
			MaxBackups: lo.MaxBackups,
			MaxAgeDays: lo.MaxAgeDays,
		},
		Dashboard: DashboardConfig{
			Addr:           "127.0.0.1:8080",
			HealthInterval: 5 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("outbox_dir", d.OutboxDir)

	v.SetDefault("backend.url", d.Backend.URL)
	v.SetDefault("backend.token", d.Backend.Token)
	v.SetDefault("backend.realtime_url", d.Backend.RealtimeURL)
	v.SetDefault("backend.probe_interval", d.Backend.ProbeInterval)

	v.SetDefault("sync.interval", d.Policy.Interval)
	v.SetDefault("sync.max_retries", d.Policy.MaxRetries)
	v.SetDefault("sync.initial_retry_delay", d.Policy.InitialRetryDelay)
	v.SetDefault("sync.max_retry_delay", d.Policy.MaxRetryDelay)
	v.SetDefault("sync.retry_backoff_multiplier", d.Policy.RetryBackoffMultiplier)
	v.SetDefault("sync.conflict_resolution_window", d.Policy.ConflictResolutionWindow)
	v.SetDefault("sync.request_timeout", d.Policy.RequestTimeout)
	v.SetDefault("sync.max_cache_entries", d.Policy.MaxCacheEntries)
	v.SetDefault("sync.max_cache_bytes", d.Policy.MaxCacheBytes)
	v.SetDefault("sync.eviction_interval", d.Policy.EvictionInterval)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("dashboard.addr", d.Dashboard.Addr)
	v.SetDefault("dashboard.health_interval", d.Dashboard.HealthInterval)
}

// Load reads the configuration. An empty path searches the working
// directory and the user config directory for offsync.toml and falls back
// to defaults when none exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "offsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.File = v.ConfigFileUsed()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	p := c.Policy
	switch {
	case c.DBPath == "":
		return fmt.Errorf("db_path is required")
	case p.MaxRetries < 1:
		return fmt.Errorf("sync.max_retries must be at least 1 (got %d)", p.MaxRetries)
	case p.InitialRetryDelay <= 0:
		return fmt.Errorf("sync.initial_retry_delay must be positive")
	case p.MaxRetryDelay < p.InitialRetryDelay:
		return fmt.Errorf("sync.max_retry_delay must be at least sync.initial_retry_delay")
	case p.RetryBackoffMultiplier < 1:
		return fmt.Errorf("sync.retry_backoff_multiplier must be at least 1 (got %g)", p.RetryBackoffMultiplier)
	case p.ConflictResolutionWindow < 0:
		return fmt.Errorf("sync.conflict_resolution_window must not be negative")
	case p.Interval < 0, p.RequestTimeout < 0, p.EvictionInterval < 0:
		return fmt.Errorf("sync intervals must not be negative")
	case p.MaxCacheEntries < 0, p.MaxCacheBytes < 0:
		return fmt.Errorf("cache ceilings must not be negative")
	}
	return nil
}

// Sync returns the engine policy.
func (c *Config) Sync() daemon.SyncConfig {
	p := c.Policy
	return daemon.SyncConfig{
		SyncInterval:             p.Interval,
		MaxRetries:               p.MaxRetries,
		InitialRetryDelay:        p.InitialRetryDelay,
		MaxRetryDelay:            p.MaxRetryDelay,
		RetryBackoffMultiplier:   p.RetryBackoffMultiplier,
		ConflictResolutionWindow: p.ConflictResolutionWindow,
		RequestTimeout:           p.RequestTimeout,
		MaxCacheEntries:          p.MaxCacheEntries,
		MaxCacheBytes:            p.MaxCacheBytes,
		EvictionInterval:         p.EvictionInterval,
	}
}

// Logging returns the log destination options.
func (c *Config) Logging() logging.Options {
	return logging.Options{
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// tomlFile is the on-disk layout written by WriteFile. Durations are
// written as strings such as "5m0s".
type tomlFile struct {
	DBPath    string `toml:"db_path"`
	OutboxDir string `toml:"outbox_dir"`
	Backend   struct {
		URL           string `toml:"url"`
		Token         string `toml:"token"`
		RealtimeURL   string `toml:"realtime_url"`
		ProbeInterval string `toml:"probe_interval"`
	} `toml:"backend"`
	Sync struct {
		Interval                 string  `toml:"interval"`
		MaxRetries               int     `toml:"max_retries"`
		InitialRetryDelay        string  `toml:"initial_retry_delay"`
		MaxRetryDelay            string  `toml:"max_retry_delay"`
		RetryBackoffMultiplier   float64 `toml:"retry_backoff_multiplier"`
		ConflictResolutionWindow string  `toml:"conflict_resolution_window"`
		RequestTimeout           string  `toml:"request_timeout"`
		MaxCacheEntries          int     `toml:"max_cache_entries"`
		MaxCacheBytes            int64   `toml:"max_cache_bytes"`
		EvictionInterval         string  `toml:"eviction_interval"`
	} `toml:"sync"`
	Log struct {
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
		Compress   bool   `toml:"compress"`
	} `toml:"log"`
	Dashboard struct {
		Addr           string `toml:"addr"`
		HealthInterval string `toml:"health_interval"`
	} `toml:"dashboard"`
}

func toTOML(c *Config) tomlFile {
	var f tomlFile
	f.DBPath = c.DBPath
	f.OutboxDir = c.OutboxDir

	f.Backend.URL = c.Backend.URL
	f.Backend.Token = c.Backend.Token
	f.Backend.RealtimeURL = c.Backend.RealtimeURL
	f.Backend.ProbeInterval = c.Backend.ProbeInterval.String()

	p := c.Policy
	f.Sync.Interval = p.Interval.String()
	f.Sync.MaxRetries = p.MaxRetries
	f.Sync.InitialRetryDelay = p.InitialRetryDelay.String()
	f.Sync.MaxRetryDelay = p.MaxRetryDelay.String()
	f.Sync.RetryBackoffMultiplier = p.RetryBackoffMultiplier
	f.Sync.ConflictResolutionWindow = p.ConflictResolutionWindow.String()
	f.Sync.RequestTimeout = p.RequestTimeout.String()
	f.Sync.MaxCacheEntries = p.MaxCacheEntries
	f.Sync.MaxCacheBytes = p.MaxCacheBytes
	f.Sync.EvictionInterval = p.EvictionInterval.String()

	f.Log.File = c.Log.File
	f.Log.MaxSizeMB = c.Log.MaxSizeMB
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAgeDays = c.Log.MaxAgeDays
	f.Log.Compress = c.Log.Compress

	f.Dashboard.Addr = c.Dashboard.Addr
	f.Dashboard.HealthInterval = c.Dashboard.HealthInterval.String()
	return f
}

// WriteFile writes c as TOML. An existing file is only replaced when force
// is set.
func WriteFile(path string, c *Config, force bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}
		return fmt.Errorf("failed to create config: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(toTOML(c)); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return file.Close()
}
