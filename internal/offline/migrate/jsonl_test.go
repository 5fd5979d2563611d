package migrate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/queue"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

var epoch = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func openQueue(t *testing.T) (*queue.Queue, *db.DB) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "offsync.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return queue.New(store, events.Discard), store
}

func writeTasks(t *testing.T, q *queue.Queue, ids ...string) []*schema.PendingOperation {
	t.Helper()
	var ops []*schema.PendingOperation
	for _, id := range ids {
		op, err := q.Write(context.Background(), schema.Create(&schema.Task{
			ID: id, Title: "Task " + id, Status: "pending", CreatedAt: epoch, UpdatedAt: epoch,
		}))
		if err != nil {
			t.Fatalf("failed to write %s: %v", id, err)
		}
		ops = append(ops, op)
	}
	return ops
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, _ := openQueue(t)
	written := writeTasks(t, src, "t1", "t2", "t3")

	path := filepath.Join(t.TempDir(), "queue.jsonl")
	n, err := Export(ctx, src, path)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 exported, got %d", n)
	}

	dst, _ := openQueue(t)
	result, err := Import(ctx, dst, ImportOptions{From: path})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Read != 3 || result.Imported != 3 || result.Skipped != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	ops, err := dst.DequeueAll(ctx)
	if err != nil {
		t.Fatalf("DequeueAll failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	for i, op := range ops {
		if op.ID != written[i].ID {
			t.Errorf("operation %d: expected id %s, got %s", i, written[i].ID, op.ID)
		}
		if !op.Timestamp.Equal(written[i].Timestamp) {
			t.Errorf("operation %d: timestamp changed", i)
		}
	}

	// A second import skips everything.
	result, err = Import(ctx, dst, ImportOptions{From: path})
	if err != nil {
		t.Fatalf("second Import failed: %v", err)
	}
	if result.Imported != 0 || result.Skipped != 3 {
		t.Errorf("expected all skipped, got %+v", result)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	src, _ := openQueue(t)
	writeTasks(t, src, "t1")
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	if _, err := Export(ctx, src, path); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst, _ := openQueue(t)
	result, err := Import(ctx, dst, ImportOptions{From: path, DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Read != 1 || result.Imported != 0 || result.BackupCreated != "" {
		t.Errorf("unexpected dry-run result: %+v", result)
	}
	if n, _ := dst.Count(ctx); n != 0 {
		t.Errorf("dry run queued %d operations", n)
	}
}

func TestImport_Backup(t *testing.T) {
	ctx := context.Background()
	src, _ := openQueue(t)
	writeTasks(t, src, "t1")
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	if _, err := Export(ctx, src, path); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst, _ := openQueue(t)
	writeTasks(t, dst, "existing")
	result, err := Import(ctx, dst, ImportOptions{From: path, Backup: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.BackupCreated == "" {
		t.Fatal("expected a backup path")
	}

	backup, err := ReadOperations(result.BackupCreated)
	if err != nil {
		t.Fatalf("failed to read backup: %v", err)
	}
	if len(backup) != 1 || *backup[0].RecordID != "existing" {
		t.Errorf("backup should hold the queue before import, got %d ops", len(backup))
	}
}

func TestImport_MissingFile(t *testing.T) {
	q, _ := openQueue(t)
	if _, err := Import(context.Background(), q, ImportOptions{From: "/nonexistent/queue.jsonl"}); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestDecodeOperations_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bad json", "{invalid json}\n", "invalid JSON at record 1"},
		{"bad kind", `{"id":"a","table":"tasks","operation":"upsert","data":{},"timestamp":"2026-10-17T09:00:00Z"}` + "\n", "invalid record 1"},
		{"bad table", `{"id":"a","table":"notes","operation":"create","data":{},"timestamp":"2026-10-17T09:00:00Z"}` + "\n", "invalid record 1"},
		{"bad payload", `{"id":"a","table":"tasks","operation":"create","data":{"id":"t1"},"timestamp":"2026-10-17T09:00:00Z"}` + "\n", "invalid record 1 (a)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOperations(strings.NewReader(tt.input))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestEncodeOperations_OnePerLine(t *testing.T) {
	q, _ := openQueue(t)
	ops := writeTasks(t, q, "t1", "t2")

	var buf bytes.Buffer
	if err := EncodeOperations(&buf, ops); err != nil {
		t.Fatalf("EncodeOperations failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"operation":"create"`) {
		t.Errorf("unexpected record: %s", lines[0])
	}
}

func TestSnapshotRows(t *testing.T) {
	ctx := context.Background()
	q, store := openQueue(t)
	writeTasks(t, q, "t1", "t2")

	dir := filepath.Join(t.TempDir(), "snapshot")
	counts, err := SnapshotRows(ctx, store, dir)
	if err != nil {
		t.Fatalf("SnapshotRows failed: %v", err)
	}
	if counts[schema.TableTasks] != 2 || counts[schema.TableExpenses] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}

	data, err := os.ReadFile(filepath.Join(dir, schema.TableTasks+".jsonl"))
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("expected 2 rows, got %d", got)
	}

	if err := CleanupSnapshot(dir); err != nil {
		t.Fatalf("CleanupSnapshot failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, schema.TableTasks+".jsonl")); !os.IsNotExist(err) {
		t.Error("snapshot file still exists")
	}
}
