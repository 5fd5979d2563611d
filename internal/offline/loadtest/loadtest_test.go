package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/eviction"
)

func newTestStore(t *testing.T, entries, tasks int, limits eviction.Limits) *TestStore {
	t.Helper()
	ts, err := CreateTestStore(filepath.Join(t.TempDir(), "load.db"), entries, tasks, limits)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })
	return ts
}

// TestCreateTestStore verifies the store is populated as requested.
func TestCreateTestStore(t *testing.T) {
	ctx := context.Background()
	ts := newTestStore(t, 50, 20, eviction.Limits{})

	if len(ts.Keys) != 50 {
		t.Errorf("Expected 50 keys, got %d", len(ts.Keys))
	}
	stats, err := ts.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["cache_entries"] != 50 {
		t.Errorf("Expected 50 cache entries, got %v", stats["cache_entries"])
	}
	if stats["pending_ops"] != 20 {
		t.Errorf("Expected 20 pending operations, got %v", stats["pending_ops"])
	}
}

func TestGenerateTasks_Valid(t *testing.T) {
	for _, task := range generateTasks(40, 7) {
		if err := task.Validate(); err != nil {
			t.Fatalf("generated task %s is invalid: %v", task.ID, err)
		}
	}
}

// TestConcurrentWorkload_Small runs a short mixed workload.
func TestConcurrentWorkload_Small(t *testing.T) {
	ts := newTestStore(t, 100, 10, eviction.Limits{MaxEntries: 80})

	stats, err := ts.RunConcurrentWorkload(8, 25)
	if err != nil {
		t.Fatalf("Workload failed: %v", err)
	}
	if stats.Overall.Errors > 0 {
		t.Errorf("Got %d errors", stats.Overall.Errors)
	}
	if stats.Overall.TotalQueries != 200 {
		t.Errorf("Expected 200 operations, got %d", stats.Overall.TotalQueries)
	}

	total := 0
	for _, s := range stats.ByOp {
		total += s.TotalQueries
	}
	if total != 200 {
		t.Errorf("Per-op totals add up to %d, expected 200", total)
	}
	if _, ok := stats.ByOp[OpCacheRead]; !ok {
		t.Error("Expected some cache reads")
	}

	var buf bytes.Buffer
	stats.Overall.Fprint(&buf)
	if !strings.Contains(buf.String(), "Total Queries: 200") {
		t.Errorf("Unexpected report:\n%s", buf.String())
	}
}

func TestVerifyQueueIntegrity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integrity run in short mode")
	}
	ts := newTestStore(t, 10, 5, eviction.Limits{})

	if err := ts.VerifyQueueIntegrity(4, 4, 300*time.Millisecond); err != nil {
		t.Fatalf("Queue integrity check failed: %v", err)
	}

	n, err := ts.Queue.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n <= 5 {
		t.Errorf("Expected writers to add operations, queue has %d", n)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)

	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("Expected P50 51ms, got %v", s.P50)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("Expected P99 100ms, got %v", s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Expected mean 50.5ms, got %v", s.Mean)
	}

	if empty := computeLatencyStats(nil); empty.TotalQueries != 0 {
		t.Errorf("Expected empty stats, got %+v", empty)
	}
}
