// Package eviction enforces entry-count and byte-size ceilings on the local
// cache.
//
// Three policies are provided:
//   - least recently used: last access time, falling back to creation time,
//     ties broken by metadata last_updated
//   - oldest first: metadata last_updated
//   - storage limit: largest payload first, then oldest last_updated, until
//     enough bytes are freed
//
// Every policy removes an entry together with its metadata and is a no-op
// when the cache is already within the target.
//
// Sizes count payload bytes only. SQLite page, index and metadata overhead is
// not included, so the real file size is somewhat larger than the limit.
package eviction

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
)

// Store is the subset of the local store the engine needs.
type Store interface {
	ListEntries(ctx context.Context) ([]db.EntryInfo, error)
	DeleteEntries(ctx context.Context, keys []string) (int64, error)
	DeleteExpired(ctx context.Context) ([]string, error)
	CountEntries(ctx context.Context) (int, error)
	TotalSize(ctx context.Context) (int64, error)
}

// Limits are the ceilings applied by Enforce. Zero disables a ceiling.
type Limits struct {
	MaxEntries int
	MaxBytes   int64
}

// Stats are cumulative eviction counters.
type Stats struct {
	Runs       uint64 `json:"runs"`
	Evictions  uint64 `json:"evictions"`
	Expired    uint64 `json:"expired"`
	BytesFreed int64  `json:"bytes_freed"`
}

// Result describes one Enforce pass.
type Result struct {
	Expired    int   `json:"expired"`
	Evicted    int   `json:"evicted"`
	BytesFreed int64 `json:"bytes_freed"`
}

// Engine applies eviction policies to a Store. Evictions are serialized so
// two policies never select candidates from the same snapshot.
type Engine struct {
	store  Store
	pub    events.Publisher
	logger *log.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates an eviction engine. A nil publisher or logger discards output.
func New(store Store, pub events.Publisher, logger *log.Logger) *Engine {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{store: store, pub: pub, logger: logger}
}

// CacheSize returns the number of cache entries.
func (e *Engine) CacheSize(ctx context.Context) (int, error) {
	return e.store.CountEntries(ctx)
}

// TotalSize returns the payload bytes held by the cache.
func (e *Engine) TotalSize(ctx context.Context) (int64, error) {
	return e.store.TotalSize(ctx)
}

// Stats returns a snapshot of the cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// EvictLeastRecentlyUsed keeps at most maxEntries entries, removing the least
// recently accessed first. Returns the number of entries removed.
func (e *Engine) EvictLeastRecentlyUsed(ctx context.Context, maxEntries int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, _, err := e.evictByCount(ctx, "lru", maxEntries, sortLRU)
	return n, err
}

// sortLRU orders entries least recently accessed first. Entries never read
// count as accessed when created; ties fall back to update time.
func sortLRU(entries []db.EntryInfo) {
	sort.SliceStable(entries, func(i, j int) bool {
		ai, aj := accessTime(entries[i]), accessTime(entries[j])
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return entries[i].LastUpdated.Before(entries[j].LastUpdated)
	})
}

// EvictOldestEntries keeps the maxEntries most recently updated entries.
// Returns the number of entries removed.
func (e *Engine) EvictOldestEntries(ctx context.Context, maxEntries int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, _, err := e.evictByCount(ctx, "oldest", maxEntries, func(entries []db.EntryInfo) {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].LastUpdated.Before(entries[j].LastUpdated)
		})
	})
	return n, err
}

// EnforceStorageLimit removes entries, largest first, until the cache holds at
// most maxBytes payload bytes. Returns the number of entries removed.
func (e *Engine) EnforceStorageLimit(ctx context.Context, maxBytes int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, _, err := e.enforceStorageLimit(ctx, maxBytes)
	return n, err
}

// Enforce removes expired entries, then applies the LRU entry ceiling and the
// byte ceiling.
func (e *Engine) Enforce(ctx context.Context, limits Limits) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result
	expired, err := e.store.DeleteExpired(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to remove expired entries: %w", err)
	}
	res.Expired = len(expired)
	e.stats.Expired += uint64(len(expired))

	if limits.MaxEntries > 0 {
		n, freed, err := e.evictByCount(ctx, "lru", limits.MaxEntries, sortLRU)
		if err != nil {
			return res, err
		}
		res.Evicted += n
		res.BytesFreed += freed
	}

	if limits.MaxBytes > 0 {
		n, freed, err := e.enforceStorageLimit(ctx, limits.MaxBytes)
		if err != nil {
			return res, err
		}
		res.Evicted += n
		res.BytesFreed += freed
	}

	e.stats.Runs++
	return res, nil
}

// Start runs Enforce every interval until ctx is cancelled.
func (e *Engine) Start(ctx context.Context, interval time.Duration, limits Limits) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Enforce(ctx, limits)
			if err != nil {
				e.logger.Printf("Eviction pass failed: %v", err)
				continue
			}
			if res.Evicted > 0 || res.Expired > 0 {
				e.logger.Printf("Eviction pass: expired=%d evicted=%d freed=%d bytes",
					res.Expired, res.Evicted, res.BytesFreed)
			}
		}
	}
}

// evictByCount removes the first len(entries)-max entries in the order
// produced by order. Callers hold e.mu.
func (e *Engine) evictByCount(ctx context.Context, policy string, max int, order func([]db.EntryInfo)) (int, int64, error) {
	if max < 0 {
		max = 0
	}
	entries, err := e.store.ListEntries(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list cache entries: %w", err)
	}
	excess := len(entries) - max
	if excess <= 0 {
		return 0, 0, nil
	}

	order(entries)
	keys := make([]string, 0, excess)
	for _, entry := range entries[:excess] {
		keys = append(keys, entry.Key)
	}
	return e.remove(ctx, policy, keys)
}

// enforceStorageLimit implements the largest-first policy. Callers hold e.mu.
func (e *Engine) enforceStorageLimit(ctx context.Context, maxBytes int64) (int, int64, error) {
	entries, err := e.store.ListEntries(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list cache entries: %w", err)
	}

	var total int64
	for _, entry := range entries {
		total += entry.SizeBytes
	}
	if total <= maxBytes {
		return 0, 0, nil
	}
	need := total - maxBytes

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SizeBytes != entries[j].SizeBytes {
			return entries[i].SizeBytes > entries[j].SizeBytes
		}
		return entries[i].LastUpdated.Before(entries[j].LastUpdated)
	})

	var keys []string
	var selected int64
	for _, entry := range entries {
		if selected >= need {
			break
		}
		keys = append(keys, entry.Key)
		selected += entry.SizeBytes
	}
	return e.remove(ctx, "storage_limit", keys)
}

func (e *Engine) remove(ctx context.Context, policy string, keys []string) (int, int64, error) {
	freed, err := e.store.DeleteEntries(ctx, keys)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to evict entries: %w", err)
	}
	e.stats.Evictions += uint64(len(keys))
	e.stats.BytesFreed += freed

	e.pub.Publish(events.Event{
		Type:    events.EntriesEvicted,
		Message: fmt.Sprintf("%s evicted %d entries", policy, len(keys)),
		Fields: map[string]any{
			"policy":      policy,
			"count":       len(keys),
			"bytes_freed": freed,
		},
	})
	return len(keys), freed, nil
}

func accessTime(e db.EntryInfo) time.Time {
	if e.LastAccessed != nil {
		return *e.LastAccessed
	}
	return e.CreatedAt
}
