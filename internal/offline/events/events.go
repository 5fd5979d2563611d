// Package events provides the in-process event bus used by the sync engine to
// make queue changes, sync cycles, retries and conflict resolutions observable.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an engine event.
type Type string

const (
	OperationQueued   Type = "queue.enqueued"
	OperationRemoved  Type = "queue.removed"
	QueueCleared      Type = "queue.cleared"
	OperationSynced   Type = "sync.operation_synced"
	OperationFailed   Type = "sync.operation_failed"
	SyncStarted       Type = "sync.started"
	SyncCompleted     Type = "sync.completed"
	SyncSkipped       Type = "sync.skipped"
	StatusChanged     Type = "sync.status"
	RetryScheduled    Type = "retry.scheduled"
	RetrySucceeded    Type = "retry.succeeded"
	RetryExhausted    Type = "retry.exhausted"
	RetryCancelled    Type = "retry.cancelled"
	ChangeApplied     Type = "reconcile.applied"
	ChangeRejected    Type = "reconcile.rejected"
	EntriesEvicted    Type = "cache.evicted"
	ConnectivityState Type = "connectivity"
)

// Event is one engine notification. Fields not relevant to a type are empty.
type Event struct {
	Type        Type           `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Table       string         `json:"table,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	RecordID    string         `json:"record_id,omitempty"`
	Message     string         `json:"message,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and its drop counter grows.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	now    func() time.Time
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers e to every subscriber. A zero timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped across all current subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, s := range b.subs {
		n += s.dropped.Load()
	}
	return n
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
