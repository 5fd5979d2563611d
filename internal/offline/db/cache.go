package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CacheEntry is an opaque cached payload.
type CacheEntry struct {
	Key          string
	Payload      []byte
	CreatedAt    time.Time
	LastAccessed *time.Time
	AccessCount  int64
}

// CacheStats describes one cache key for diagnostics. It is derived on demand
// and never persisted.
type CacheStats struct {
	Key          string     `json:"key"`
	LastUpdated  time.Time  `json:"last_updated"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	AccessCount  int64      `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// EntryInfo is the eviction view of a cache entry: everything needed to
// order candidates without loading payloads.
type EntryInfo struct {
	Key          string
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessed *time.Time
	LastUpdated  time.Time
}

// Put stores payload under key and stamps its metadata in one transaction.
// Any previous expiry is cleared.
func (db *DB) Put(ctx context.Context, key string, payload []byte) error {
	return db.PutWithExpiry(ctx, key, payload, nil)
}

// PutWithExpiry stores payload under key with an optional expiry.
func (db *DB) PutWithExpiry(ctx context.Context, key string, payload []byte, expiresAt *time.Time) error {
	if key == "" {
		return fmt.Errorf("cache key is required")
	}
	now := db.now()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO cache_data (key, data, created_at, last_accessed, access_count)
	VALUES (?, ?, ?, NULL, 0)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data
	`, key, payload, nanos(now))
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}

	if err := upsertMetadata(ctx, tx, key, now, expiresAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get returns the payload stored under key and records the access.
// The boolean is false when the key has no entry.
func (db *DB) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := db.conn.QueryRowContext(ctx, `SELECT data FROM cache_data WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	// A failed access bump is logged, not returned.
	if _, err := db.conn.ExecContext(ctx, `
	UPDATE cache_data SET last_accessed = ?, access_count = access_count + 1 WHERE key = ?
	`, nanos(db.now()), key); err != nil {
		db.logger.Printf("Warning: failed to record access of %s: %v", key, err)
	}
	return payload, true, nil
}

// GetEntry returns the full cache entry for key without recording an access.
// Returns ErrNotFound if the key has no entry.
func (db *DB) GetEntry(ctx context.Context, key string) (*CacheEntry, error) {
	var entry CacheEntry
	var createdAt int64
	var lastAccessed sql.NullInt64
	err := db.conn.QueryRowContext(ctx, `
	SELECT key, data, created_at, last_accessed, access_count
	FROM cache_data WHERE key = ?
	`, key).Scan(&entry.Key, &entry.Payload, &createdAt, &lastAccessed, &entry.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	entry.CreatedAt = fromNanos(createdAt)
	entry.LastAccessed = nullIntToTime(lastAccessed)
	return &entry, nil
}

// PutJSON marshals v and stores it under key.
func (db *DB) PutJSON(ctx context.Context, key string, v any, expiresAt *time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry %s: %w", key, err)
	}
	return db.PutWithExpiry(ctx, key, data, expiresAt)
}

// GetJSON loads key into v. It reports false for a missing key and also for a
// payload that cannot be decoded: a corrupted entry is a cache miss, not an
// error. Storage faults are still returned.
func (db *DB) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := db.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		db.logger.Printf("Ignoring unreadable cache entry %s: %v", key, err)
		return false, nil
	}
	return true, nil
}

// Delete removes the entry and metadata for key in one transaction.
// Returns nil if the key doesn't exist (idempotent).
func (db *DB) Delete(ctx context.Context, key string) error {
	_, err := db.DeleteEntries(ctx, []string{key})
	return err
}

// DeleteEntries removes entries and their metadata in one transaction and
// returns the number of payload bytes freed.
func (db *DB) DeleteEntries(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var freed int64
	for _, key := range keys {
		var size sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`DELETE FROM cache_data WHERE key = ? RETURNING length(data)`, key).Scan(&size)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to delete cache entry %s: %w", key, err)
		}
		freed += size.Int64

		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_metadata WHERE key = ?`, key); err != nil {
			return 0, fmt.Errorf("failed to delete cache metadata %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return freed, nil
}

// ClearCache removes every cache entry and every metadata row that belongs
// to a cache entry. Table sync bookkeeping is kept.
func (db *DB) ClearCache(ctx context.Context) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_metadata WHERE key IN (SELECT key FROM cache_data)`); err != nil {
		return 0, fmt.Errorf("failed to clear cache metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_data`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache data: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(n), nil
}

// CountEntries returns the number of cache entries.
func (db *DB) CountEntries(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_data").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}

// TotalSize returns the summed payload length of all cache entries.
// Index and metadata overhead is not included.
func (db *DB) TotalSize(ctx context.Context) (int64, error) {
	var size int64
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(length(data)), 0) FROM cache_data").Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to compute cache size: %w", err)
	}
	return size, nil
}

// ListEntries returns the eviction view of every cache entry. Entries without
// metadata report their creation time as LastUpdated.
func (db *DB) ListEntries(ctx context.Context) ([]EntryInfo, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT d.key, length(d.data), d.created_at, d.last_accessed,
	       COALESCE(m.last_updated, d.created_at)
	FROM cache_data d
	LEFT JOIN cache_metadata m ON m.key = d.key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []EntryInfo
	for rows.Next() {
		var e EntryInfo
		var createdAt, lastUpdated int64
		var lastAccessed sql.NullInt64
		if err := rows.Scan(&e.Key, &e.SizeBytes, &createdAt, &lastAccessed, &lastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		e.CreatedAt = fromNanos(createdAt)
		e.LastAccessed = nullIntToTime(lastAccessed)
		e.LastUpdated = fromNanos(lastUpdated)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}
	return entries, nil
}

// Stats returns diagnostics for key. Returns ErrNotFound if the key has
// neither an entry nor metadata.
func (db *DB) Stats(ctx context.Context, key string) (*CacheStats, error) {
	all, err := db.queryStats(ctx, "WHERE k.key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("cache key %s: %w", key, ErrNotFound)
	}
	return &all[0], nil
}

// AllStats returns diagnostics for every cache key, most recently updated first.
func (db *DB) AllStats(ctx context.Context) ([]CacheStats, error) {
	return db.queryStats(ctx, "")
}

func (db *DB) queryStats(ctx context.Context, where string, args ...any) ([]CacheStats, error) {
	query := `
	WITH k AS (
		SELECT key FROM cache_data
		UNION
		SELECT key FROM cache_metadata
	)
	SELECT k.key,
	       COALESCE(m.last_updated, d.created_at),
	       m.expires_at,
	       COALESCE(length(d.data), 0),
	       COALESCE(d.access_count, 0),
	       d.last_accessed
	FROM k
	LEFT JOIN cache_data d ON d.key = k.key
	LEFT JOIN cache_metadata m ON m.key = k.key
	` + where + `
	ORDER BY 2 DESC, k.key ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache stats: %w", err)
	}
	defer rows.Close()

	var stats []CacheStats
	for rows.Next() {
		var s CacheStats
		var lastUpdated int64
		var expiresAt, lastAccessed sql.NullInt64
		if err := rows.Scan(&s.Key, &lastUpdated, &expiresAt, &s.SizeBytes, &s.AccessCount, &lastAccessed); err != nil {
			return nil, fmt.Errorf("failed to scan cache stats: %w", err)
		}
		s.LastUpdated = fromNanos(lastUpdated)
		s.ExpiresAt = nullIntToTime(expiresAt)
		s.LastAccessed = nullIntToTime(lastAccessed)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache stats: %w", err)
	}
	return stats, nil
}
