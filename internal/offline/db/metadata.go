package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// syncKeyPrefix namespaces per-table sync bookkeeping in cache_metadata.
const syncKeyPrefix = "sync:"

// CacheMetadata records when a cache key was last refreshed and when it expires.
type CacheMetadata struct {
	Key         string     `json:"key"`
	LastUpdated time.Time  `json:"last_updated"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the metadata has an expiry in the past.
func (m *CacheMetadata) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// IsStale reports whether the metadata is older than maxAge.
func (m *CacheMetadata) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(m.LastUpdated) > maxAge
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMetadata(ctx context.Context, ex execer, key string, now time.Time, expiresAt *time.Time) error {
	_, err := ex.ExecContext(ctx, `
	INSERT INTO cache_metadata (key, last_updated, expires_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		last_updated = excluded.last_updated,
		expires_at = excluded.expires_at
	`, key, nanos(now), timeToNullInt(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to update cache metadata %s: %w", key, err)
	}
	return nil
}

// TouchMetadata marks key as refreshed now with an optional expiry.
// The key does not need a cache entry: structured-row caches track freshness
// through metadata alone.
func (db *DB) TouchMetadata(ctx context.Context, key string, expiresAt *time.Time) error {
	if key == "" {
		return fmt.Errorf("cache key is required")
	}
	return upsertMetadata(ctx, db.conn, key, db.now(), expiresAt)
}

// GetMetadata returns the metadata for key, or ErrNotFound.
func (db *DB) GetMetadata(ctx context.Context, key string) (*CacheMetadata, error) {
	var m CacheMetadata
	var lastUpdated int64
	var expiresAt sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		`SELECT key, last_updated, expires_at FROM cache_metadata WHERE key = ?`, key,
	).Scan(&m.Key, &lastUpdated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache metadata %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache metadata %s: %w", key, err)
	}
	m.LastUpdated = fromNanos(lastUpdated)
	m.ExpiresAt = nullIntToTime(expiresAt)
	return &m, nil
}

// IsStale reports whether key was last updated more than maxAge ago.
// A key without metadata is always stale.
func (db *DB) IsStale(ctx context.Context, key string, maxAge time.Duration) (bool, error) {
	m, err := db.GetMetadata(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return m.IsStale(db.now(), maxAge), nil
}

// HasExpired reports whether key has an expiry in the past.
// A key without metadata is always treated as expired.
func (db *DB) HasExpired(ctx context.Context, key string) (bool, error) {
	m, err := db.GetMetadata(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return m.IsExpired(db.now()), nil
}

// DeleteExpired removes every entry whose expiry has passed, together with
// its metadata, and returns the keys removed.
func (db *DB) DeleteExpired(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT key FROM cache_metadata
	WHERE expires_at IS NOT NULL AND expires_at < ?
	`, nanos(db.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired entries: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired key: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired entries: %w", err)
	}

	if _, err := db.DeleteEntries(ctx, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// SyncKey is the metadata key holding the last sync time of table.
func SyncKey(table string) string {
	return syncKeyPrefix + table
}

// MarkTableSynced records now as the last sync time of table.
func (db *DB) MarkTableSynced(ctx context.Context, table string) error {
	return db.TouchMetadata(ctx, SyncKey(table), nil)
}

// LastSyncTime returns the last sync time of table, or nil if it never synced.
func (db *DB) LastSyncTime(ctx context.Context, table string) (*time.Time, error) {
	m, err := db.GetMetadata(ctx, SyncKey(table))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := m.LastUpdated
	return &t, nil
}
