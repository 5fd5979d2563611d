// Package loadtest provides load testing utilities for the local store.
//
// It simulates many concurrent writers and readers hitting the cache, the
// pending operation queue and the eviction engine at once, and checks that
// the queue stays consistent under that contention.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/eviction"
	"github.com/Mschirtzinger/offsync/internal/offline/queue"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

// Operation kinds measured by RunConcurrentWorkload.
const (
	OpCacheRead  = "cache_read"
	OpCacheWrite = "cache_write"
	OpEnqueue    = "enqueue"
	OpQueueRead  = "queue_read"
	OpEvict      = "evict"
)

// TestStore represents a populated store for load testing.
type TestStore struct {
	DB      *db.DB
	Queue   *queue.Queue
	Evictor *eviction.Engine
	Keys    []string
	Limits  eviction.Limits
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// WorkloadStats holds overall and per-operation latencies.
type WorkloadStats struct {
	Overall *LatencyStats
	ByOp    map[string]*LatencyStats
}

// CreateTestStore opens dbPath and fills it with numEntries cache entries
// and numTasks queued task writes. limits are the ceilings the eviction
// workers enforce.
func CreateTestStore(dbPath string, numEntries, numTasks int, limits eviction.Limits) (*TestStore, error) {
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store.RawDB().SetMaxOpenConns(50)
	store.RawDB().SetMaxIdleConns(20)

	ts := &TestStore{
		DB:      store,
		Queue:   queue.New(store, events.Discard),
		Evictor: eviction.New(store, events.Discard, nil),
		Keys:    make([]string, 0, numEntries),
		Limits:  limits,
	}

	ctx := context.Background()
	for i := 0; i < numEntries; i++ {
		key := fmt.Sprintf("entry-%05d", i)
		if err := store.Put(ctx, key, payload(i)); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to insert %s: %w", key, err)
		}
		ts.Keys = append(ts.Keys, key)
	}

	for _, task := range generateTasks(numTasks, 0) {
		if _, err := ts.Queue.Write(ctx, schema.Create(task)); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to queue task %s: %w", task.ID, err)
		}
	}
	return ts, nil
}

// Close closes the store.
func (ts *TestStore) Close() error {
	if ts.DB != nil {
		return ts.DB.Close()
	}
	return nil
}

// payload returns a cache payload whose size varies with i.
func payload(i int) []byte {
	return fmt.Appendf(nil, `{"n":%d,"pad":"%0*d"}`, i, 64+(i%8)*32, 0)
}

// generateTasks creates tasks with a realistic spread of priorities and
// statuses. ids start at offset.
func generateTasks(count, offset int) []*schema.Task {
	statuses := []string{"pending", "pending", "in_progress", "done"}
	// Weighted toward P2.
	priorities := []int{0, 1, 2, 2, 2, 2, 2, 3, 3, 4}
	base := time.Now().Add(-30 * 24 * time.Hour).UTC()

	tasks := make([]*schema.Task, count)
	for i := range tasks {
		n := offset + i
		at := base.Add(time.Duration(n) * time.Minute)
		tasks[i] = &schema.Task{
			ID:        fmt.Sprintf("task-%06d", n),
			Title:     fmt.Sprintf("Task %d", n),
			Status:    statuses[n%len(statuses)],
			Priority:  priorities[n%len(priorities)],
			CreatedAt: at,
			UpdatedAt: at,
		}
	}
	return tasks
}

// RunConcurrentWorkload runs numWorkers goroutines performing opsPerWorker
// mixed operations each: mostly cache reads, plus cache writes, task writes,
// queue snapshots and the occasional eviction pass.
func (ts *TestStore) RunConcurrentWorkload(numWorkers, opsPerWorker int) (*WorkloadStats, error) {
	type sample struct {
		op string
		d  time.Duration
	}

	var wg sync.WaitGroup
	results := make(chan []sample, numWorkers)
	errs := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			ctx := context.Background()
			rng := rand.New(rand.NewPCG(42, uint64(worker)))
			samples := make([]sample, 0, opsPerWorker)

			for j := 0; j < opsPerWorker; j++ {
				var op string
				var err error
				start := time.Now()

				switch roll := rng.IntN(100); {
				case roll < 50:
					op = OpCacheRead
					_, _, err = ts.DB.Get(ctx, ts.Keys[rng.IntN(len(ts.Keys))])
				case roll < 70:
					op = OpCacheWrite
					key := fmt.Sprintf("w%d-%d", worker, j)
					err = ts.DB.Put(ctx, key, payload(j))
				case roll < 85:
					op = OpEnqueue
					task := generateTasks(1, 1_000_000+worker*opsPerWorker+j)[0]
					_, err = ts.Queue.Write(ctx, schema.Create(task))
				case roll < 98:
					op = OpQueueRead
					_, err = ts.Queue.DequeueAll(ctx)
				default:
					op = OpEvict
					_, err = ts.Evictor.Enforce(ctx, ts.Limits)
				}

				samples = append(samples, sample{op: op, d: time.Since(start)})
				if err != nil {
					errs <- fmt.Errorf("worker %d %s %d failed: %w", worker, op, j, err)
					return
				}
			}
			results <- samples
		}(w)
	}

	wg.Wait()
	close(results)
	close(errs)

	var firstErr error
	errorCount := 0
	for err := range errs {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	var all []time.Duration
	byOp := make(map[string][]time.Duration)
	for samples := range results {
		for _, s := range samples {
			all = append(all, s.d)
			byOp[s.op] = append(byOp[s.op], s.d)
		}
	}
	if len(all) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("no operations completed")
	}

	stats := &WorkloadStats{Overall: computeLatencyStats(all), ByOp: make(map[string]*LatencyStats)}
	stats.Overall.Errors = errorCount
	for op, ds := range byOp {
		stats.ByOp[op] = computeLatencyStats(ds)
	}
	return stats, firstErr
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(sorted)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(sorted),
	}
}

// Fprint formats the latency statistics.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// VerifyQueueIntegrity runs concurrent writers and readers for duration and
// then checks that every acknowledged write is queued exactly once and that
// every snapshot taken along the way was in FIFO order.
func (ts *TestStore) VerifyQueueIntegrity(numWriters, numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	written := make(map[string]bool)
	errs := make(chan error, numWriters+numReaders)

	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; ctx.Err() == nil; j++ {
				task := generateTasks(1, 2_000_000+worker*100_000+j)[0]
				op, err := ts.Queue.Write(context.Background(), schema.Create(task))
				if err != nil {
					errs <- fmt.Errorf("writer %d failed: %w", worker, err)
					return
				}
				mu.Lock()
				written[op.ID] = true
				mu.Unlock()
			}
		}(w)
	}

	for r := 0; r < numReaders; r++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for ctx.Err() == nil {
				ops, err := ts.Queue.DequeueAll(context.Background())
				if err != nil {
					errs <- fmt.Errorf("reader %d failed: %w", reader, err)
					return
				}
				for i := 1; i < len(ops); i++ {
					if ops[i].Timestamp.Before(ops[i-1].Timestamp) {
						errs <- fmt.Errorf("reader %d saw %s before %s out of order", reader, ops[i-1].ID, ops[i].ID)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(r)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	ops, err := ts.Queue.DequeueAll(context.Background())
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if seen[op.ID] {
			return fmt.Errorf("operation %s queued twice", op.ID)
		}
		seen[op.ID] = true
	}
	for id := range written {
		if !seen[id] {
			return fmt.Errorf("acknowledged operation %s is missing", id)
		}
	}
	return nil
}

// Stats returns a summary of the store contents.
func (ts *TestStore) Stats(ctx context.Context) (map[string]any, error) {
	entries, err := ts.DB.CountEntries(ctx)
	if err != nil {
		return nil, err
	}
	bytes, err := ts.DB.TotalSize(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := ts.Queue.Count(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"cache_entries":   entries,
		"cache_bytes":     bytes,
		"pending_ops":     pending,
		"evictions":       ts.Evictor.Stats().Evictions,
		"initial_entries": len(ts.Keys),
	}, nil
}
