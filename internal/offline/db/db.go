// Package db provides the embedded SQLite local store for offsync.
//
// The store holds two logical spaces:
//   - opaque cached blobs (cache_data) with per-key metadata (cache_metadata)
//     answering staleness and expiry questions
//   - structured entity rows (tasks, expenses, reminders, chat_messages), each
//     carrying a synced flag, plus the durable pending_operations queue
//
// Architecture:
//   - Database file: <data dir>/offsync.db
//   - WAL mode when available: concurrent readers during writes and evictions
//   - Every write that touches both a payload and its metadata runs in one
//     transaction, so a crash never leaves one without the other
//
// All timestamps are stored as INTEGER Unix nanoseconds so ordering in SQL
// matches ordering in Go.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a row, entry or operation does not exist.
var ErrNotFound = errors.New("not found")

// JournalMode is the outcome of journal mode capability detection.
//
// Configured is true when WAL was enabled. Otherwise Mode holds the journal
// mode SQLite fell back to and Reason explains why.
type JournalMode struct {
	Configured bool   `json:"configured"`
	Mode       string `json:"mode"`
	Reason     string `json:"reason,omitempty"`
}

func (j JournalMode) String() string {
	if j.Configured {
		return j.Mode
	}
	return fmt.Sprintf("%s (fallback: %s)", j.Mode, j.Reason)
}

// DB wraps the SQLite connection with local store functionality.
type DB struct {
	conn    *sql.DB
	path    string
	journal JournalMode
	logger  *log.Logger
	now     func() time.Time
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithLogger sets the logger used for one-off notices such as a journal fallback.
func WithLogger(l *log.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

// WithClock overrides the clock used to stamp writes.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

// Open creates a new database connection at the specified path.
//
// The schema is created if missing. Use MemoryPath for a throwaway store;
// in-memory stores are limited to a single connection because every new
// connection would otherwise see its own empty database.
//
// The caller MUST call Close() when done.
func Open(path string, opts ...Option) (*DB, error) {
	return OpenContext(context.Background(), path, opts...)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, opts ...Option) (*DB, error) {
	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if memory {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{
		conn:   conn,
		path:   path,
		logger: log.New(io.Discard, "", 0),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}

	db.journal = db.configureJournal(ctx)
	if !db.journal.Configured {
		db.logger.Printf("WAL unavailable for %s, using journal_mode=%s: %s", path, db.journal.Mode, db.journal.Reason)
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// dsn builds the driver connection string. Pragmas are passed in the DSN so
// they apply to every pooled connection, not only the first one.
func dsn(path string) string {
	params := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	if path == MemoryPath {
		return "file::memory:?" + params
	}
	return fmt.Sprintf("file:%s?%s", path, params)
}

// configureJournal requests WAL and reports what SQLite actually selected.
func (db *DB) configureJournal(ctx context.Context) JournalMode {
	var mode string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return JournalMode{Mode: "unknown", Reason: err.Error()}
	}
	mode = strings.ToLower(mode)
	if mode == "wal" {
		return JournalMode{Configured: true, Mode: mode}
	}
	reason := "journal mode not supported by this database"
	if db.path == MemoryPath {
		reason = "in-memory databases cannot use WAL"
	}
	return JournalMode{Mode: mode, Reason: reason}
}

// JournalMode reports the journal mode selected at Open.
func (db *DB) JournalMode() JournalMode {
	return db.journal
}

// Path returns the database path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// SetClock replaces the clock used to stamp writes. Intended for tests.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Now returns the store's current time.
func (db *DB) Now() time.Time {
	return db.now()
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.journal.Configured {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Opaque cached blobs
	CREATE TABLE IF NOT EXISTS cache_data (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER,
		access_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cache_metadata (
		key TEXT PRIMARY KEY,
		last_updated INTEGER NOT NULL,
		expires_at INTEGER
	);

	-- Durable queue of unacknowledged mutations
	CREATE TABLE IF NOT EXISTS pending_operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tbl TEXT NOT NULL,
		operation TEXT NOT NULL,
		data TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		record_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_metadata_last_updated ON cache_metadata(last_updated);
	CREATE INDEX IF NOT EXISTS idx_pending_order ON pending_operations(timestamp, seq);
	CREATE INDEX IF NOT EXISTS idx_pending_table ON pending_operations(tbl);
	`
	for _, table := range entityTables() {
		schema += fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_synced ON %[1]s(synced);
	`, table)
	}

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// nanos converts a time to the stored integer form.
func nanos(t time.Time) int64 {
	return t.UnixNano()
}

// fromNanos converts the stored integer form back to UTC time.
func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func timeToNullInt(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullIntToTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
