// Package reconcile applies realtime change notifications from the backend to
// the local store.
//
// Conflicts are resolved last-write-wins on the record's updated_at, but only
// when the incoming and local timestamps lie within the conflict window of
// each other. Outside the window the incoming change is taken as
// authoritative. Whole rows are replaced; there is no field-level merge.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

// ChangeType is the kind of a remote change.
type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// ParseChangeType accepts INSERT, UPDATE or DELETE in any case.
func ParseChangeType(s string) (ChangeType, error) {
	switch ct := ChangeType(strings.ToUpper(s)); ct {
	case Insert, Update, Delete:
		return ct, nil
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

// Change is one realtime notification.
type Change struct {
	Table  string          `json:"table"`
	Type   ChangeType      `json:"type"`
	Record json.RawMessage `json:"record"`
}

// Resolution reports what HandleChange did.
type Resolution struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason"`
}

// Resolution reasons.
const (
	ReasonInserted      = "inserted"
	ReasonNotOlder      = "not_older"
	ReasonOutsideWindow = "outside_window"
	ReasonDeleted       = "deleted"
	ReasonStale         = "stale"
)

// Store is the subset of the local store the reconciler needs.
type Store interface {
	GetRow(ctx context.Context, table, id string) (*db.Row, error)
	ApplyRemoteRow(ctx context.Context, table, id string, data json.RawMessage, updatedAt time.Time) error
}

// Reconciler applies remote changes. Changes are handled one at a time so
// the read-compare-write of a row is never interleaved.
type Reconciler struct {
	store  Store
	window time.Duration
	pub    events.Publisher
	logger *log.Logger

	mu sync.Mutex
}

// New creates a reconciler with the given conflict window.
func New(store Store, window time.Duration, pub events.Publisher, logger *log.Logger) *Reconciler {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Reconciler{store: store, window: window, pub: pub, logger: logger}
}

// Apply is HandleChange for a decoded Change.
func (r *Reconciler) Apply(ctx context.Context, c Change) (Resolution, error) {
	return r.HandleChange(ctx, c.Table, c.Type, c.Record)
}

// HandleChange applies one remote change to table. Malformed records and
// storage faults are returned as errors; a rejected stale update is not an
// error.
func (r *Reconciler) HandleChange(ctx context.Context, table string, changeType ChangeType, record json.RawMessage) (Resolution, error) {
	if !schema.IsValidTable(table) {
		return Resolution{}, fmt.Errorf("%w: %s", schema.ErrUnknownTable, table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch changeType {
	case Delete:
		id, err := recordID(record)
		if err != nil {
			return Resolution{}, err
		}
		if err := r.store.ApplyRemoteRow(ctx, table, id, nil, time.Time{}); err != nil {
			return Resolution{}, err
		}
		return r.applied(table, id, changeType, ReasonDeleted), nil

	case Insert, Update:
		p, err := schema.DecodePayload(table, record)
		if err != nil {
			return Resolution{}, err
		}
		id, incoming := p.RecordID(), p.Modified()

		local, err := r.store.GetRow(ctx, table, id)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return Resolution{}, err
		}

		reason := ReasonInserted
		if local != nil {
			diff := incoming.Sub(local.UpdatedAt)
			switch {
			case diff < -r.window || diff > r.window:
				reason = ReasonOutsideWindow
			case diff < 0:
				return r.rejected(table, id, changeType, incoming, local.UpdatedAt), nil
			default:
				reason = ReasonNotOlder
			}
		}

		if err := r.store.ApplyRemoteRow(ctx, table, id, record, incoming); err != nil {
			return Resolution{}, err
		}
		return r.applied(table, id, changeType, reason), nil
	}
	return Resolution{}, fmt.Errorf("unknown change type %q", changeType)
}

func (r *Reconciler) applied(table, id string, ct ChangeType, reason string) Resolution {
	r.pub.Publish(events.Event{
		Type:     events.ChangeApplied,
		Table:    table,
		RecordID: id,
		Fields:   map[string]any{"change": string(ct), "reason": reason},
	})
	return Resolution{Applied: true, Reason: reason}
}

func (r *Reconciler) rejected(table, id string, ct ChangeType, incoming, local time.Time) Resolution {
	r.logger.Printf("Rejected stale %s of %s/%s: incoming %s older than local %s",
		ct, table, id, incoming.Format(time.RFC3339Nano), local.Format(time.RFC3339Nano))
	r.pub.Publish(events.Event{
		Type:     events.ChangeRejected,
		Table:    table,
		RecordID: id,
		Fields: map[string]any{
			"change":   string(ct),
			"reason":   ReasonStale,
			"incoming": incoming,
			"local":    local,
		},
	})
	return Resolution{Applied: false, Reason: ReasonStale}
}

func recordID(record json.RawMessage) (string, error) {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(record, &ref); err != nil {
		return "", fmt.Errorf("failed to parse change record: %w", err)
	}
	if ref.ID == "" {
		return "", fmt.Errorf("change record has no id")
	}
	return ref.ID, nil
}
