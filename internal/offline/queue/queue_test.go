package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

var epoch = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func openQueue(t *testing.T) (*Queue, *db.DB, *events.Bus) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(store, bus), store, bus
}

func taskJSON(t *testing.T, id string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(&schema.Task{
		ID: id, Title: "Buy milk", Status: "pending", CreatedAt: epoch, UpdatedAt: epoch,
	})
	require.NoError(t, err)
	return data
}

func TestEnqueueThenClear(t *testing.T) {
	ctx := context.Background()
	q, _, bus := openQueue(t)
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(ctx, schema.TableTasks, schema.KindCreate, taskJSON(t, fmt.Sprintf("t%d", i)), nil)
		require.NoError(t, err)

		count, err := q.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	n, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	var cleared bool
	for len(ch) > 0 {
		if e := <-ch; e.Type == events.QueueCleared {
			cleared = true
			assert.Equal(t, 3, e.Fields["count"])
		}
	}
	assert.True(t, cleared, "expected a queue.cleared event")
}

func TestEnqueue_RejectsMalformedData(t *testing.T) {
	ctx := context.Background()
	q, _, _ := openQueue(t)

	tests := []struct {
		name  string
		table string
		kind  schema.Kind
		data  string
	}{
		{"unknown table", "invoices", schema.KindCreate, `{}`},
		{"bad kind", schema.TableTasks, schema.Kind("upsert"), `{}`},
		{"missing title", schema.TableTasks, schema.KindCreate, `{"id":"t1","status":"pending","updated_at":"2026-10-17T09:00:00Z"}`},
		{"wrong shape", schema.TableTasks, schema.KindUpdate, `[1,2,3]`},
		{"delete without id", schema.TableTasks, schema.KindDelete, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.table, tt.kind, json.RawMessage(tt.data), nil)
			assert.Error(t, err)
		})
	}

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDequeueAll_FIFO(t *testing.T) {
	ctx := context.Background()
	q, _, _ := openQueue(t)

	var ids []string
	for i := 0; i < 5; i++ {
		op, err := q.EnqueueMutation(ctx, schema.Delete(schema.TableTasks, fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
		ids = append(ids, op.ID)
	}

	ops, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 5)
	for i, op := range ops {
		assert.Equal(t, ids[i], op.ID)
	}

	// Snapshot does not remove.
	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestWrite_UpdatesRowAndQueue(t *testing.T) {
	ctx := context.Background()
	q, store, _ := openQueue(t)

	task := &schema.Task{ID: "t1", Title: "Write report", Status: "pending", CreatedAt: epoch, UpdatedAt: epoch}
	op, err := q.Write(ctx, schema.Create(task))
	require.NoError(t, err)
	require.NotNil(t, op.RecordID)
	assert.Equal(t, "t1", *op.RecordID)

	row, err := store.GetRow(ctx, schema.TableTasks, "t1")
	require.NoError(t, err)
	assert.False(t, row.Synced)

	ok, err := q.Complete(ctx, op, row)
	require.NoError(t, err)
	assert.True(t, ok)

	row, err = store.GetRow(ctx, schema.TableTasks, "t1")
	require.NoError(t, err)
	assert.True(t, row.Synced)

	ok, err = q.Complete(ctx, op, row)
	require.NoError(t, err)
	assert.False(t, ok, "completing twice reports the operation as gone")
}

func TestRemoveAndRetryCount(t *testing.T) {
	ctx := context.Background()
	q, _, _ := openQueue(t)

	op, err := q.EnqueueMutation(ctx, schema.Delete(schema.TableReminders, "r1"))
	require.NoError(t, err)

	n, err := q.IncrementRetry(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = q.IncrementRetry(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.ResetRetry(ctx, op.ID))
	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)

	removed, err := q.Remove(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Remove(ctx, op.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = q.Get(ctx, op.ID)
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestCountByTable(t *testing.T) {
	ctx := context.Background()
	q, _, _ := openQueue(t)

	for _, m := range []schema.Mutation{
		schema.Delete(schema.TableTasks, "t1"),
		schema.Delete(schema.TableTasks, "t2"),
		schema.Delete(schema.TableExpenses, "e1"),
	} {
		_, err := q.EnqueueMutation(ctx, m)
		require.NoError(t, err)
	}

	counts, err := q.CountByTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{schema.TableTasks: 2, schema.TableExpenses: 1}, counts)
}

func TestImport_SkipsExisting(t *testing.T) {
	ctx := context.Background()
	q, _, _ := openQueue(t)

	existing, err := q.EnqueueMutation(ctx, schema.Delete(schema.TableTasks, "t1"))
	require.NoError(t, err)

	fresh, err := schema.NewPendingOperation(schema.Delete(schema.TableTasks, "t2"), epoch)
	require.NoError(t, err)

	n, err := q.Import(ctx, []*schema.PendingOperation{existing, fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestConcurrentEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _, _ := openQueue(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.EnqueueMutation(ctx, schema.Delete(schema.TableTasks, fmt.Sprintf("t%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}
