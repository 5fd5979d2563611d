package daemon

import (
	"log"
	"os"
	"time"
)

// SyncConfig is the sync policy of the engine.
type SyncConfig struct {
	// SyncInterval is the period of automatic sync cycles
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`

	// MaxRetries is the number of retry attempts before an operation is
	// permanently failed
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	InitialRetryDelay      time.Duration `json:"initial_retry_delay" yaml:"initial_retry_delay"`
	MaxRetryDelay          time.Duration `json:"max_retry_delay" yaml:"max_retry_delay"`
	RetryBackoffMultiplier float64       `json:"retry_backoff_multiplier" yaml:"retry_backoff_multiplier"`

	// ConflictResolutionWindow bounds last-write-wins comparisons of
	// realtime changes
	ConflictResolutionWindow time.Duration `json:"conflict_resolution_window" yaml:"conflict_resolution_window"`

	// RequestTimeout bounds every backend submission
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// Cache ceilings enforced by the eviction janitor. Zero disables one.
	MaxCacheEntries  int           `json:"max_cache_entries" yaml:"max_cache_entries"`
	MaxCacheBytes    int64         `json:"max_cache_bytes" yaml:"max_cache_bytes"`
	EvictionInterval time.Duration `json:"eviction_interval" yaml:"eviction_interval"`
}

// DefaultSyncConfig returns the default sync policy.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		SyncInterval:             5 * time.Minute,
		MaxRetries:               3,
		InitialRetryDelay:        2 * time.Second,
		MaxRetryDelay:            5 * time.Minute,
		RetryBackoffMultiplier:   2.0,
		ConflictResolutionWindow: 30 * time.Second,
		RequestTimeout:           30 * time.Second,
		MaxCacheEntries:          1000,
		MaxCacheBytes:            50 << 20,
		EvictionInterval:         10 * time.Minute,
	}
}

// Config holds configuration for the daemon.
type Config struct {
	Sync SyncConfig

	// OutboxDir is watched for mutation files when set
	OutboxDir string

	// DebounceInterval is how long an outbox file must be quiet before it
	// is processed
	DebounceInterval time.Duration

	// Jitter overrides the retry jitter source
	Jitter func() float64

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sync:             DefaultSyncConfig(),
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}
