package daemon

import (
	"time"
)

// Status is the process-wide sync state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Health is a read-only diagnostics snapshot.
type Health struct {
	Initialized       bool                  `json:"initialized" yaml:"initialized"`
	Disposed          bool                  `json:"disposed" yaml:"disposed"`
	CurrentStatus     Status                `json:"current_status" yaml:"current_status"`
	IsOnline          bool                  `json:"is_online" yaml:"is_online"`
	PendingOperations int                   `json:"pending_operations" yaml:"pending_operations"`
	FailedOperations  int                   `json:"failed_operations" yaml:"failed_operations"`
	RetryingOps       int                   `json:"retrying_operations" yaml:"retrying_operations"`
	LastSyncTimes     map[string]*time.Time `json:"last_sync_times" yaml:"last_sync_times"`
	JournalMode       string                `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"`
	Config            SyncConfig            `json:"config" yaml:"config"`
	Timestamp         time.Time             `json:"timestamp" yaml:"timestamp"`
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}
