// Package queue is the durable FIFO of local mutations waiting to be
// acknowledged by the backend.
//
// Operations live in the pending_operations table, so the queue survives a
// restart. Every mutation of the queue goes through one mutex; readers hit
// the store directly.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

// Queue is the pending operation queue.
type Queue struct {
	store *db.DB
	pub   events.Publisher

	mu sync.Mutex
}

// New creates a queue backed by store. A nil publisher discards events.
func New(store *db.DB, pub events.Publisher) *Queue {
	if pub == nil {
		pub = events.Discard
	}
	return &Queue{store: store, pub: pub}
}

// Enqueue appends a raw operation and returns its id. data must match the
// payload shape of table; delete operations carry {"id": ...}.
func (q *Queue) Enqueue(ctx context.Context, table string, kind schema.Kind, data json.RawMessage, recordID *string) (string, error) {
	op, err := schema.FromRecord(schema.Record{
		ID:        uuid.NewString(),
		Table:     table,
		Operation: string(kind),
		Data:      data,
		Timestamp: q.store.Now().UTC().Format(time.RFC3339Nano),
		RecordID:  recordID,
	})
	if err != nil {
		return "", fmt.Errorf("invalid operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return "", fmt.Errorf("invalid operation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.InsertOperation(ctx, op); err != nil {
		return "", err
	}
	q.publishQueued(op)
	return op.ID, nil
}

// EnqueueMutation appends a typed mutation without touching its entity row.
func (q *Queue) EnqueueMutation(ctx context.Context, m schema.Mutation) (*schema.PendingOperation, error) {
	op, err := schema.NewPendingOperation(m, q.store.Now())
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.InsertOperation(ctx, op); err != nil {
		return nil, err
	}
	q.publishQueued(op)
	return op, nil
}

// Write applies m to its entity row and enqueues it in one transaction.
func (q *Queue) Write(ctx context.Context, m schema.Mutation) (*schema.PendingOperation, error) {
	op, err := schema.NewPendingOperation(m, q.store.Now())
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.ApplyLocalMutation(ctx, m, op); err != nil {
		return nil, err
	}
	q.publishQueued(op)
	return op, nil
}

// DequeueAll returns a FIFO snapshot of the queue. Operations stay queued
// until Remove or Complete.
func (q *Queue) DequeueAll(ctx context.Context) ([]*schema.PendingOperation, error) {
	return q.store.ListOperations(ctx)
}

// Get returns one operation, or db.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*schema.PendingOperation, error) {
	return q.store.GetOperation(ctx, id)
}

// Remove deletes an operation and reports whether it was queued.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed, err := q.store.DeleteOperation(ctx, id)
	if err != nil || !removed {
		return removed, err
	}
	q.pub.Publish(events.Event{Type: events.OperationRemoved, OperationID: id})
	return true, nil
}

// Complete removes an acknowledged operation and stores the confirmed row.
// It reports false when the operation was no longer queued, in which case
// nothing is written.
func (q *Queue) Complete(ctx context.Context, op *schema.PendingOperation, row *db.Row) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.CompleteOperation(ctx, op, row)
}

// Clear removes every operation and returns how many were removed.
// A queue.cleared event is emitted even when the queue was empty.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.ClearOperations(ctx)
	if err != nil {
		return 0, err
	}
	q.pub.Publish(events.Event{
		Type:    events.QueueCleared,
		Message: fmt.Sprintf("cleared %d pending operations", n),
		Fields:  map[string]any{"count": n},
	})
	return n, nil
}

// Count returns the number of queued operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.store.CountOperations(ctx)
}

// CountByTable returns queued operation counts keyed by table.
func (q *Queue) CountByTable(ctx context.Context) (map[string]int, error) {
	return q.store.CountOperationsByTable(ctx)
}

// IncrementRetry records a failed attempt and returns the new retry count.
func (q *Queue) IncrementRetry(ctx context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.IncrementRetryCount(ctx, id)
}

// ResetRetry sets the retry count of an operation back to zero.
func (q *Queue) ResetRetry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ResetRetryCount(ctx, id)
}

// Import inserts operations read from an export, keeping their ids and
// timestamps. Operations already queued are skipped. Returns how many were
// inserted.
func (q *Queue) Import(ctx context.Context, ops []*schema.PendingOperation) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inserted := 0
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return inserted, fmt.Errorf("invalid operation %s: %w", op.ID, err)
		}
		_, err := q.store.GetOperation(ctx, op.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return inserted, err
		}
		if err := q.store.InsertOperation(ctx, op); err != nil {
			return inserted, err
		}
		q.publishQueued(op)
		inserted++
	}
	return inserted, nil
}

func (q *Queue) publishQueued(op *schema.PendingOperation) {
	e := events.Event{
		Type:        events.OperationQueued,
		Table:       op.Table,
		OperationID: op.ID,
		Fields:      map[string]any{"operation": string(op.Kind)},
	}
	if op.RecordID != nil {
		e.RecordID = *op.RecordID
	}
	q.pub.Publish(e)
}
