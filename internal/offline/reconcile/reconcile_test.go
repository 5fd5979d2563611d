package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

var base = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T) (*Reconciler, *db.DB, *clock, <-chan events.Event) {
	t.Helper()
	clk := &clock{now: base}
	store, err := db.Open(filepath.Join(t.TempDir(), "rt.db"), db.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(32)
	t.Cleanup(cancel)

	return New(store, 30*time.Second, bus, nil), store, clk, ch
}

func task(t *testing.T, id, title string, updated time.Time) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(&schema.Task{
		ID: id, Title: title, Status: "pending", CreatedAt: base, UpdatedAt: updated,
	})
	require.NoError(t, err)
	return data
}

func seed(t *testing.T, store *db.DB, id, title string, updated time.Time) {
	t.Helper()
	require.NoError(t, store.UpsertRow(context.Background(), &db.Row{
		Table: schema.TableTasks, ID: id, Data: task(t, id, title, updated), UpdatedAt: updated, Synced: true,
	}))
}

func title(t *testing.T, store *db.DB, id string) string {
	t.Helper()
	row, err := store.GetRow(context.Background(), schema.TableTasks, id)
	require.NoError(t, err)
	p, err := row.Payload()
	require.NoError(t, err)
	return p.(*schema.Task).Title
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return events.Event{}
}

func TestUpdate_OlderWithinWindowIsRejected(t *testing.T) {
	ctx := context.Background()
	r, store, _, ch := setup(t)
	seed(t, store, "t1", "local", base.Add(10*time.Second))

	res, err := r.HandleChange(ctx, schema.TableTasks, Update, task(t, "t1", "remote", base))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonStale, res.Reason)
	assert.Equal(t, "local", title(t, store, "t1"))

	e := next(t, ch)
	assert.Equal(t, events.ChangeRejected, e.Type)
	assert.Equal(t, "t1", e.RecordID)

	last, err := store.LastSyncTime(ctx, schema.TableTasks)
	require.NoError(t, err)
	assert.Nil(t, last, "rejected change must not touch sync bookkeeping")
}

func TestUpdate_NewerIsAppliedAndAdvancesSyncTime(t *testing.T) {
	ctx := context.Background()
	r, store, clk, ch := setup(t)
	seed(t, store, "t1", "local", base)
	require.NoError(t, store.MarkTableSynced(ctx, schema.TableTasks))

	before, err := store.LastSyncTime(ctx, schema.TableTasks)
	require.NoError(t, err)
	require.NotNil(t, before)

	clk.now = base.Add(time.Minute)
	res, err := r.HandleChange(ctx, schema.TableTasks, Update, task(t, "t1", "remote", base.Add(5*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, ReasonNotOlder, res.Reason)
	assert.Equal(t, "remote", title(t, store, "t1"))

	after, err := store.LastSyncTime(ctx, schema.TableTasks)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, after.After(*before))

	assert.Equal(t, events.ChangeApplied, next(t, ch).Type)
}

func TestResolutionTable(t *testing.T) {
	tests := []struct {
		name        string
		local       *time.Time
		change      ChangeType
		incoming    time.Time
		wantApplied bool
		wantReason  string
	}{
		{"insert absent", nil, Insert, base, true, ReasonInserted},
		{"update absent", nil, Update, base, true, ReasonInserted},
		{"equal timestamps", ptr(base), Update, base, true, ReasonNotOlder},
		{"insert over newer local", ptr(base.Add(time.Second)), Insert, base, false, ReasonStale},
		{"older outside window", ptr(base.Add(time.Hour)), Update, base, true, ReasonOutsideWindow},
		{"newer outside window", ptr(base), Update, base.Add(time.Hour), true, ReasonOutsideWindow},
		{"older at window edge", ptr(base.Add(30 * time.Second)), Update, base, false, ReasonStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r, store, _, _ := setup(t)
			if tt.local != nil {
				seed(t, store, "t1", "local", *tt.local)
			}

			res, err := r.HandleChange(ctx, schema.TableTasks, tt.change, task(t, "t1", "remote", tt.incoming))
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, res.Applied)
			assert.Equal(t, tt.wantReason, res.Reason)

			want := "remote"
			if !tt.wantApplied {
				want = "local"
			}
			assert.Equal(t, want, title(t, store, "t1"))
		})
	}
}

func TestDelete_IsUnconditional(t *testing.T) {
	ctx := context.Background()
	r, store, _, _ := setup(t)
	seed(t, store, "t1", "local", base.Add(time.Hour))

	res, err := r.HandleChange(ctx, schema.TableTasks, Delete, json.RawMessage(`{"id":"t1"}`))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	_, err = store.GetRow(ctx, schema.TableTasks, "t1")
	assert.True(t, errors.Is(err, db.ErrNotFound))

	res, err = r.Apply(ctx, Change{Table: schema.TableTasks, Type: Delete, Record: json.RawMessage(`{"id":"t1"}`)})
	require.NoError(t, err)
	assert.True(t, res.Applied, "deleting an absent row is still applied")
}

func TestHandleChange_Errors(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := setup(t)

	_, err := r.HandleChange(ctx, "invoices", Update, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, schema.ErrUnknownTable))

	_, err = r.HandleChange(ctx, schema.TableTasks, Update, json.RawMessage(`{"id":"t1"}`))
	assert.Error(t, err, "invalid payload")

	_, err = r.HandleChange(ctx, schema.TableTasks, Delete, json.RawMessage(`{}`))
	assert.Error(t, err, "delete without id")

	_, err = r.HandleChange(ctx, schema.TableTasks, ChangeType("UPSERT"), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestParseChangeType(t *testing.T) {
	ct, err := ParseChangeType("update")
	require.NoError(t, err)
	assert.Equal(t, Update, ct)

	_, err = ParseChangeType("merge")
	assert.Error(t, err)
}

func ptr(t time.Time) *time.Time { return &t }
