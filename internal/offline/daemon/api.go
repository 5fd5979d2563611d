package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/reconcile"
	"github.com/Mschirtzinger/offsync/internal/offline/retry"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

// QueueOperation enqueues a raw operation and returns its id. The entity
// row is not touched. After Close it returns "" and nil.
func (d *Daemon) QueueOperation(ctx context.Context, table string, kind schema.Kind, data json.RawMessage, recordID *string) (string, error) {
	if !d.enter() {
		return "", nil
	}
	defer d.leave()
	return d.queue.Enqueue(ctx, table, kind, data, recordID)
}

// Write applies a local mutation to its entity row and enqueues it in one
// transaction. After Close it returns nil, nil.
func (d *Daemon) Write(ctx context.Context, m schema.Mutation) (*schema.PendingOperation, error) {
	if !d.enter() {
		return nil, nil
	}
	defer d.leave()
	return d.queue.Write(ctx, m)
}

// PendingOperations returns the queue in FIFO order.
func (d *Daemon) PendingOperations(ctx context.Context) ([]*schema.PendingOperation, error) {
	if !d.enter() {
		return nil, ErrDisposed
	}
	defer d.leave()
	return d.queue.DequeueAll(ctx)
}

// PendingOperationsCount returns the queue length.
func (d *Daemon) PendingOperationsCount(ctx context.Context) (int, error) {
	if !d.enter() {
		return 0, ErrDisposed
	}
	defer d.leave()
	return d.queue.Count(ctx)
}

// ClearPendingOperations cancels every retry and empties the queue.
func (d *Daemon) ClearPendingOperations(ctx context.Context) (int, error) {
	if !d.enter() {
		return 0, nil
	}
	defer d.leave()

	ops, err := d.queue.DequeueAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		d.retries.CancelRetry(op.ID)
	}
	return d.queue.Clear(ctx)
}

// DropOperation cancels any retry of id and removes it from the queue.
func (d *Daemon) DropOperation(ctx context.Context, id string) (bool, error) {
	if !d.enter() {
		return false, nil
	}
	defer d.leave()

	d.retries.CancelRetry(id)
	return d.queue.Remove(ctx, id)
}

// RetryOperation resets the retry count of id and submits it now. On
// failure the operation gets a fresh set of scheduled retries and the
// submission error is returned.
func (d *Daemon) RetryOperation(ctx context.Context, id string) error {
	if !d.enter() {
		return nil
	}
	defer d.leave()

	if !d.isOnline() {
		return ErrOffline
	}
	d.retries.CancelRetry(id)
	if err := d.queue.ResetRetry(ctx, id); err != nil {
		return err
	}
	op, err := d.queue.Get(ctx, id)
	if err != nil {
		return err
	}

	if !d.claim(id) {
		return ErrSyncInProgress
	}
	err = d.submit(ctx, op)
	d.release(id)
	if err != nil {
		d.scheduleRetry(op)
		return fmt.Errorf("retry of %s failed: %w", id, err)
	}
	return nil
}

// HandleRealtimeChange applies a backend change notification to the local
// store. After Close it is a no-op.
func (d *Daemon) HandleRealtimeChange(ctx context.Context, table string, changeType reconcile.ChangeType, record json.RawMessage) (reconcile.Resolution, error) {
	if !d.enter() {
		return reconcile.Resolution{}, nil
	}
	defer d.leave()
	return d.reconciler.HandleChange(ctx, table, changeType, record)
}

// LastSyncTime returns when table last received confirmed state, or nil.
func (d *Daemon) LastSyncTime(ctx context.Context, table string) (*time.Time, error) {
	if !d.enter() {
		return nil, ErrDisposed
	}
	defer d.leave()
	return d.store.LastSyncTime(ctx, table)
}

// NeedsSync reports whether table has not synced within maxAge. A table
// that never synced always needs a sync.
func (d *Daemon) NeedsSync(ctx context.Context, table string, maxAge time.Duration) (bool, error) {
	if !d.enter() {
		return false, ErrDisposed
	}
	defer d.leave()
	return d.store.IsStale(ctx, db.SyncKey(table), maxAge)
}

// RetryStatistics returns the retry scheduler snapshot.
func (d *Daemon) RetryStatistics() retry.Statistics {
	return d.retries.Statistics()
}

// Health returns a diagnostics snapshot. After Close only the lifecycle
// fields are filled in.
func (d *Daemon) Health(ctx context.Context) (Health, error) {
	d.mu.Lock()
	h := Health{
		Initialized:   d.initialized,
		CurrentStatus: d.status,
		IsOnline:      d.online,
		Config:        d.config.Sync,
		LastSyncTimes: make(map[string]*time.Time),
	}
	d.mu.Unlock()

	if !d.enter() {
		h.Disposed = true
		h.Timestamp = time.Now()
		return h, nil
	}
	defer d.leave()

	h.JournalMode = d.store.JournalMode().String()
	h.Timestamp = d.store.Now()

	ops, err := d.queue.DequeueAll(ctx)
	if err != nil {
		return h, err
	}
	h.PendingOperations = len(ops)
	for _, op := range ops {
		if op.RetryCount >= d.config.Sync.MaxRetries {
			h.FailedOperations++
		}
	}
	h.RetryingOps = len(d.retries.Statistics().Active)

	for _, table := range schema.Tables() {
		t, err := d.store.LastSyncTime(ctx, table)
		if err != nil {
			return h, err
		}
		h.LastSyncTimes[table] = t
	}
	return h, nil
}
