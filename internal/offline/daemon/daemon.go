// Package daemon provides the sync engine that drains the pending operation
// queue against the backend and applies realtime changes locally.
//
// The daemon:
//  1. Runs a sync cycle every SyncInterval, when connectivity returns, and on
//     demand
//  2. Hands failed submissions to the retry scheduler
//  3. Applies realtime changes through the reconciler
//  4. Enforces cache ceilings with the eviction janitor
//  5. Picks up mutation files dropped into the outbox directory
//
// Only one cycle runs at a time. After Close every mutating method is a
// silent no-op.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/eviction"
	"github.com/Mschirtzinger/offsync/internal/offline/queue"
	"github.com/Mschirtzinger/offsync/internal/offline/reconcile"
	"github.com/Mschirtzinger/offsync/internal/offline/retry"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

var (
	// ErrSyncInProgress is returned by SyncNow while a cycle is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrOffline is returned by SyncNow while the backend is unreachable.
	ErrOffline = errors.New("backend is offline")

	// ErrDisposed is returned by read methods after Close.
	ErrDisposed = errors.New("daemon is closed")
)

// Submitter sends one operation to the backend.
type Submitter interface {
	Submit(ctx context.Context, op *schema.PendingOperation) (*schema.Confirmation, error)
}

// Connectivity reports backend reachability.
type Connectivity interface {
	IsConnected(ctx context.Context) bool
	Changes() <-chan bool
}

// Subscription delivers realtime changes.
type Subscription interface {
	Changes() <-chan reconcile.Change
}

// runner is implemented by collaborators that need their own loop.
type runner interface {
	Run(ctx context.Context)
}

// Option configures optional collaborators.
type Option func(*Daemon)

// WithConnectivity sets the connectivity source. Without one the backend
// is assumed reachable.
func WithConnectivity(c Connectivity) Option {
	return func(d *Daemon) { d.connectivity = c }
}

// WithSubscription sets the realtime change source.
func WithSubscription(s Subscription) Option {
	return func(d *Daemon) { d.subscription = s }
}

// WithEventBus publishes engine events to bus instead of a private one.
func WithEventBus(bus *events.Bus) Option {
	return func(d *Daemon) { d.bus = bus }
}

// Daemon is the sync engine.
type Daemon struct {
	store        *db.DB
	queue        *queue.Queue
	retries      *retry.Scheduler
	reconciler   *reconcile.Reconciler
	evictor      *eviction.Engine
	submitter    Submitter
	connectivity Connectivity
	subscription Subscription
	bus          *events.Bus
	config       *Config

	mu          sync.Mutex
	status      Status
	online      bool
	syncing     bool
	started     bool
	initialized bool
	inflight    map[string]bool

	// life guards the store against Close; closing flips first so new
	// calls bail out before Close waits for in-flight ones.
	life    sync.RWMutex
	closing atomic.Bool
	closed  bool

	outbox *OutboxWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over an open store.
func New(store *db.DB, submitter Submitter, config *Config, opts ...Option) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	config = &c
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		store:     store,
		submitter: submitter,
		config:    config,
		status:    StatusIdle,
		online:    true,
		inflight:  make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.bus == nil {
		d.bus = events.NewBus()
	}

	logger := config.Logger
	d.queue = queue.New(store, d.bus)
	d.reconciler = reconcile.New(store, config.Sync.ConflictResolutionWindow, d.bus, logger)
	d.evictor = eviction.New(store, d.bus, logger)
	d.retries = retry.New(&retry.Config{
		BaseDelay:   config.Sync.InitialRetryDelay,
		MaxDelay:    config.Sync.MaxRetryDelay,
		MaxRetries:  config.Sync.MaxRetries,
		Multiplier:  config.Sync.RetryBackoffMultiplier,
		Jitter:      config.Jitter,
		Publisher:   d.bus,
		Logger:      logger,
		OnExhausted: d.onExhausted,
	})
	// Cycles and health use the limit the scheduler enforces.
	config.Sync.MaxRetries = d.retries.MaxRetries()
	d.initialized = true
	return d, nil
}

// Events returns the bus engine events are published on.
func (d *Daemon) Events() *events.Bus {
	return d.bus
}

// Store returns the underlying local store.
func (d *Daemon) Store() *db.DB {
	return d.store
}

// Evictor returns the cache eviction engine.
func (d *Daemon) Evictor() *eviction.Engine {
	return d.evictor
}

// Start launches the background loops and returns. Cancel ctx or call Close
// to stop them.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.enter() {
		return ErrDisposed
	}
	defer d.leave()

	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.config.Logger.Println("Starting daemon")

	if d.connectivity != nil {
		d.setOnline(d.connectivity.IsConnected(ctx))
	}

	if d.config.OutboxDir != "" {
		ow, err := NewOutboxWatcher(d.config.OutboxDir, d.config.DebounceInterval, d.applyOutboxFile, d.config.Logger)
		if err == nil {
			if err = ow.Start(); err != nil {
				_ = ow.Stop()
			}
		}
		if err != nil {
			d.mu.Lock()
			d.started = false
			d.mu.Unlock()
			return err
		}
		d.outbox = ow
		d.config.Logger.Printf("Watching outbox: %s", d.config.OutboxDir)
	}

	// Stop background work with either the caller's ctx or Close.
	stop := context.AfterFunc(ctx, d.cancel)
	go func() {
		<-d.ctx.Done()
		stop()
	}()

	d.wg.Add(2)
	go d.syncLoop()
	go func() {
		defer d.wg.Done()
		d.evictor.Start(d.ctx, d.config.Sync.EvictionInterval, eviction.Limits{
			MaxEntries: d.config.Sync.MaxCacheEntries,
			MaxBytes:   d.config.Sync.MaxCacheBytes,
		})
	}()

	if d.connectivity != nil {
		d.spawnRunner(d.connectivity)
		d.wg.Add(1)
		go d.connectivityLoop()
	}
	if d.subscription != nil {
		d.spawnRunner(d.subscription)
		d.wg.Add(1)
		go d.realtimeLoop()
	}
	return nil
}

// Run starts the daemon, blocks until ctx is cancelled and closes it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-d.ctx.Done()
	d.config.Logger.Println("Shutdown signal received")
	return d.Close()
}

func (d *Daemon) spawnRunner(v any) {
	if r, ok := v.(runner); ok {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			r.Run(d.ctx)
		}()
	}
}

// Close stops every timer and loop, waits for in-flight calls and closes
// the store. It is safe to call more than once.
func (d *Daemon) Close() error {
	if d.closing.Swap(true) {
		return nil
	}
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	d.retries.Stop()
	if d.outbox != nil {
		if err := d.outbox.Stop(); err != nil {
			d.config.Logger.Printf("Error closing outbox watcher: %v", err)
		}
	}
	d.wg.Wait()

	d.life.Lock()
	defer d.life.Unlock()
	d.closed = true

	err := d.store.Close()
	d.config.Logger.Println("Daemon stopped")
	return err
}

func (d *Daemon) enter() bool {
	if d.closing.Load() {
		return false
	}
	d.life.RLock()
	if d.closed {
		d.life.RUnlock()
		return false
	}
	return true
}

func (d *Daemon) leave() {
	d.life.RUnlock()
}

// syncLoop runs periodic cycles.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	// Drain whatever survived the last run.
	d.autoSync("startup")

	if d.config.Sync.SyncInterval <= 0 {
		<-d.ctx.Done()
		return
	}
	ticker := time.NewTicker(d.config.Sync.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.autoSync("interval")
		}
	}
}

func (d *Daemon) connectivityLoop() {
	defer d.wg.Done()

	changes := d.connectivity.Changes()
	for {
		select {
		case <-d.ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			if d.setOnline(online) && online {
				d.autoSync("connectivity")
			}
		}
	}
}

func (d *Daemon) realtimeLoop() {
	defer d.wg.Done()

	changes := d.subscription.Changes()
	for {
		select {
		case <-d.ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if _, err := d.HandleRealtimeChange(d.ctx, c.Table, c.Type, c.Record); err != nil {
				d.config.Logger.Printf("Error applying realtime change to %s: %v", c.Table, err)
			}
		}
	}
}

// autoSync runs a cycle unless offline or already syncing.
func (d *Daemon) autoSync(trigger string) {
	if !d.enter() {
		return
	}
	defer d.leave()

	res, err := d.cycle(d.ctx, trigger)
	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, ErrSyncInProgress):
		d.bus.Publish(events.Event{Type: events.SyncSkipped, Message: err.Error(),
			Fields: map[string]any{"trigger": trigger}})
	case err != nil:
		d.config.Logger.Printf("Sync cycle (%s) failed: %v", trigger, err)
	case res.Synced+res.Failed > 0:
		d.config.Logger.Printf("Sync cycle (%s): synced=%d failed=%d skipped=%d",
			trigger, res.Synced, res.Failed, res.Skipped)
	}
}

// SyncNow runs a cycle immediately and waits for it.
func (d *Daemon) SyncNow(ctx context.Context) (CycleResult, error) {
	if !d.enter() {
		return CycleResult{}, ErrDisposed
	}
	defer d.leave()

	// Abort with either the caller or Close.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	return d.cycle(ctx, "manual")
}

// cycle drains a FIFO snapshot of the queue. Callers hold the life lock.
func (d *Daemon) cycle(ctx context.Context, trigger string) (CycleResult, error) {
	d.mu.Lock()
	if !d.online {
		d.mu.Unlock()
		return CycleResult{}, ErrOffline
	}
	if d.syncing {
		d.mu.Unlock()
		return CycleResult{}, ErrSyncInProgress
	}
	d.syncing = true
	d.setStatusLocked(StatusSyncing)
	d.mu.Unlock()

	start := time.Now()
	d.bus.Publish(events.Event{Type: events.SyncStarted, Fields: map[string]any{"trigger": trigger}})

	var res CycleResult
	ops, err := d.queue.DequeueAll(ctx)
	if err != nil {
		d.finishCycle(StatusError)
		return res, fmt.Errorf("failed to read pending operations: %w", err)
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if !d.isOnline() {
			break
		}
		// Retried operations belong to the scheduler; exhausted ones wait
		// for a manual retry or drop.
		if d.retries.IsRetrying(op.ID) || op.RetryCount >= d.config.Sync.MaxRetries {
			res.Skipped++
			continue
		}
		if !d.claim(op.ID) {
			res.Skipped++
			continue
		}
		// Reload: an earlier confirmation may have moved the record to a
		// backend-assigned id, or the operation may have been dropped.
		current, err := d.queue.Get(ctx, op.ID)
		if err != nil {
			d.release(op.ID)
			if !errors.Is(err, db.ErrNotFound) {
				d.config.Logger.Printf("Error reloading operation %s: %v", op.ID, err)
			}
			res.Skipped++
			continue
		}
		op = current
		err = d.submit(ctx, op)
		d.release(op.ID)
		if err != nil {
			res.Failed++
			d.scheduleRetry(op)
			continue
		}
		res.Synced++
	}

	res.Duration = time.Since(start)
	d.finishCycle(StatusIdle)
	d.bus.Publish(events.Event{
		Type:    events.SyncCompleted,
		Message: fmt.Sprintf("synced %d, failed %d, skipped %d", res.Synced, res.Failed, res.Skipped),
		Fields: map[string]any{
			"trigger":  trigger,
			"synced":   res.Synced,
			"failed":   res.Failed,
			"skipped":  res.Skipped,
			"duration": res.Duration.String(),
		},
	})
	return res, nil
}

func (d *Daemon) finishCycle(status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncing = false
	if !d.online {
		status = StatusOffline
	}
	d.setStatusLocked(status)
}

// submit sends op and, on success, applies the confirmed state. Any error
// is a submission failure to be retried.
func (d *Daemon) submit(ctx context.Context, op *schema.PendingOperation) error {
	timeout := d.config.Sync.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultSyncConfig().RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	conf, err := d.submitter.Submit(reqCtx, op)
	cancel()
	if err != nil {
		d.bus.Publish(events.Event{
			Type:        events.OperationFailed,
			Table:       op.Table,
			OperationID: op.ID,
			Message:     err.Error(),
			Fields:      map[string]any{"retry_count": op.RetryCount},
		})
		return err
	}

	row, err := confirmedRow(op, conf)
	if err != nil {
		return err
	}
	if _, err := d.queue.Complete(ctx, op, row); err != nil {
		return err
	}

	e := events.Event{Type: events.OperationSynced, Table: op.Table, OperationID: op.ID}
	if row != nil {
		e.RecordID = row.ID
	}
	d.bus.Publish(e)
	return nil
}

// confirmedRow builds the entity row to store after a successful
// submission. Deletes have no row.
func confirmedRow(op *schema.PendingOperation, conf *schema.Confirmation) (*db.Row, error) {
	if op.Kind == schema.KindDelete {
		return nil, nil
	}
	m, err := op.Mutation()
	if err != nil {
		return nil, fmt.Errorf("failed to decode operation %s: %w", op.ID, err)
	}

	id := m.ID
	data := op.Data
	updated := m.Payload.Modified()
	if conf != nil && len(conf.Data) > 0 {
		p, err := schema.DecodePayload(op.Table, conf.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid confirmation for %s: %w", op.ID, err)
		}
		id = p.RecordID()
		data = json.RawMessage(conf.Data)
		updated = p.Modified()
	} else if conf != nil && !conf.UpdatedAt.IsZero() {
		updated = conf.UpdatedAt
	}

	// A backend-assigned id replaces the client id.
	if conf != nil && conf.RecordID != "" && conf.RecordID != id {
		id = conf.RecordID
		if data, err = withID(data, id); err != nil {
			return nil, fmt.Errorf("invalid confirmation for %s: %w", op.ID, err)
		}
	}
	return &db.Row{Table: op.Table, ID: id, Data: data, UpdatedAt: updated}, nil
}

// withID returns the row document data with its id field set to id.
func withID(data json.RawMessage, id string) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	enc, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	doc["id"] = enc
	return json.Marshal(doc)
}

// scheduleRetry hands op to the retry scheduler, resuming from its stored
// retry count.
func (d *Daemon) scheduleRetry(op *schema.PendingOperation) {
	id := op.ID
	d.retries.ResumeRetry(id, op.RetryCount, func(ctx context.Context) error {
		return d.retryOnce(ctx, id)
	})
}

// retryOnce is one scheduled attempt. A nil return ends the retry cycle,
// including when the operation has vanished or the daemon is closing.
func (d *Daemon) retryOnce(ctx context.Context, id string) error {
	if !d.enter() {
		return nil
	}
	defer d.leave()

	op, err := d.queue.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !d.isOnline() {
		// Offline time does not use up attempts; the cycle that runs on
		// reconnect submits the operation again.
		d.retries.CancelRetry(id)
		return ErrOffline
	}
	if !d.claim(id) {
		err = ErrSyncInProgress
	} else {
		err = d.submit(ctx, op)
		d.release(id)
	}
	if err == nil {
		return nil
	}

	if _, incErr := d.queue.IncrementRetry(ctx, id); incErr != nil && !errors.Is(incErr, db.ErrNotFound) {
		d.config.Logger.Printf("Error recording retry of %s: %v", id, incErr)
	}
	return err
}

func (d *Daemon) onExhausted(info retry.RetryInfo) {
	d.config.Logger.Printf("Operation %s permanently failed after %d retries (last error: %s)",
		info.OperationID, info.AttemptCount, info.LastError)
}

func (d *Daemon) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] {
		return false
	}
	d.inflight[id] = true
	return true
}

func (d *Daemon) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

// SetOnline overrides the connectivity state.
func (d *Daemon) SetOnline(online bool) {
	if !d.enter() {
		return
	}
	defer d.leave()
	d.setOnline(online)
}

// setOnline records the connectivity state and reports whether it changed.
func (d *Daemon) setOnline(online bool) bool {
	d.mu.Lock()
	changed := d.online != online
	d.online = online
	switch {
	case !online:
		d.setStatusLocked(StatusOffline)
	case d.status == StatusOffline:
		d.setStatusLocked(StatusIdle)
	}
	d.mu.Unlock()

	if changed {
		d.config.Logger.Printf("Connectivity changed: online=%v", online)
		d.bus.Publish(events.Event{Type: events.ConnectivityState, Fields: map[string]any{"online": online}})
		if !online {
			d.suspendRetries()
		}
	}
	return changed
}

// suspendRetries cancels every scheduled retry. Their operations keep their
// retry counts and are picked up by the next cycle.
func (d *Daemon) suspendRetries() {
	for id := range d.retries.Statistics().Active {
		d.retries.CancelRetry(id)
	}
}

func (d *Daemon) isOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

func (d *Daemon) setStatusLocked(s Status) {
	if d.status == s {
		return
	}
	prev := d.status
	d.status = s
	d.bus.Publish(events.Event{
		Type:    events.StatusChanged,
		Message: string(s),
		Fields:  map[string]any{"from": string(prev), "to": string(s)},
	})
}

// Status returns the current sync status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
