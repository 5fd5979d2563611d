package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTask_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		task    Task
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid task",
			task:    Task{ID: "t1", Title: "Buy milk", Status: "pending", Priority: 1, UpdatedAt: now},
			wantErr: false,
		},
		{
			name:    "missing id",
			task:    Task{Title: "Buy milk", Status: "pending", UpdatedAt: now},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing title",
			task:    Task{ID: "t1", Status: "pending", UpdatedAt: now},
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name:    "priority out of range",
			task:    Task{ID: "t1", Title: "x", Status: "pending", Priority: 7, UpdatedAt: now},
			wantErr: true,
			errMsg:  "priority must be between 0 and 4",
		},
		{
			name:    "unknown status",
			task:    Task{ID: "t1", Title: "x", Status: "blocked", UpdatedAt: now},
			wantErr: true,
			errMsg:  "invalid status",
		},
		{
			name:    "missing updated_at",
			task:    Task{ID: "t1", Title: "x", Status: "done"},
			wantErr: true,
			errMsg:  "updated_at is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		data    string
		wantErr bool
	}{
		{"task", TableTasks, `{"id":"t1","title":"x","status":"pending","updated_at":"2026-01-01T00:00:00Z"}`, false},
		{"expense", TableExpenses, `{"id":"e1","description":"lunch","amount_cents":1250,"currency":"EUR","updated_at":"2026-01-01T00:00:00Z"}`, false},
		{"reminder", TableReminders, `{"id":"r1","title":"call","remind_at":"2026-01-02T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`, false},
		{"chat message", TableChatMessages, `{"id":"m1","conversation_id":"c1","role":"user","content":"hi","updated_at":"2026-01-01T00:00:00Z"}`, false},
		{"unknown table", "notes", `{"id":"n1"}`, true},
		{"malformed json", TableTasks, `{"id":`, true},
		{"invalid shape", TableExpenses, `{"id":"e1","description":"x","currency":"EURO","updated_at":"2026-01-01T00:00:00Z"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(tt.table, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && p.TableName() != tt.table {
				t.Errorf("TableName() = %q, want %q", p.TableName(), tt.table)
			}
		})
	}

	if _, err := DecodePayload("notes", nil); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
}

func TestMutation_Validate(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "t1", Title: "x", Status: "pending", UpdatedAt: now}

	tests := []struct {
		name    string
		m       Mutation
		wantErr bool
	}{
		{"create", Create(task), false},
		{"update", Update(task), false},
		{"delete", Delete(TableTasks, "t1"), false},
		{"delete unknown table", Delete("notes", "n1"), true},
		{"delete without id", Delete(TableTasks, ""), true},
		{"create without payload", Mutation{Kind: KindCreate, Table: TableTasks, ID: "t1"}, true},
		{"bad kind", Mutation{Kind: "upsert", Table: TableTasks, ID: "t1", Payload: task}, true},
		{"id mismatch", Mutation{Kind: KindUpdate, Table: TableTasks, ID: "t2", Payload: task}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"create", "update", "delete"} {
		if k, err := ParseKind(s); err != nil || string(k) != s {
			t.Errorf("ParseKind(%q) = %q, %v", s, k, err)
		}
	}
	if _, err := ParseKind("CREATE"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("ParseKind(CREATE) error = %v, want ErrInvalidKind", err)
	}
}

func TestPendingOperation_RecordRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 17, 8, 15, 30, 123456789, time.UTC)
	task := &Task{ID: "t1", Title: "Buy milk", Status: "pending", Priority: 2, UpdatedAt: now}

	op, err := NewPendingOperation(Create(task), now)
	if err != nil {
		t.Fatalf("NewPendingOperation() error = %v", err)
	}
	op.RetryCount = 2

	got, err := FromRecord(op.ToRecord())
	if err != nil {
		t.Fatalf("FromRecord() error = %v", err)
	}

	if got.ID != op.ID {
		t.Errorf("ID = %q, want %q", got.ID, op.ID)
	}
	if got.Table != op.Table {
		t.Errorf("Table = %q, want %q", got.Table, op.Table)
	}
	if got.Kind != op.Kind {
		t.Errorf("Kind = %q, want %q", got.Kind, op.Kind)
	}
	if string(got.Data) != string(op.Data) {
		t.Errorf("Data = %s, want %s", got.Data, op.Data)
	}
	if !got.Timestamp.Equal(op.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, op.Timestamp)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if got.RecordID == nil || *got.RecordID != "t1" {
		t.Errorf("RecordID = %v, want t1", got.RecordID)
	}
}

func TestPendingOperation_RecordRoundTripWithoutRecordID(t *testing.T) {
	op := &PendingOperation{
		ID:        "op-1",
		Table:     TableTasks,
		Kind:      KindDelete,
		Data:      json.RawMessage(`{"id":"t9"}`),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	got, err := FromRecord(op.ToRecord())
	if err != nil {
		t.Fatalf("FromRecord() error = %v", err)
	}
	if got.RecordID != nil {
		t.Errorf("RecordID = %v, want nil", *got.RecordID)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestPendingOperation_JSON(t *testing.T) {
	op := &PendingOperation{
		ID:         "op-1",
		Table:      TableTasks,
		Kind:       KindUpdate,
		Data:       json.RawMessage(`{"id":"t1","title":"x","status":"done","updated_at":"2026-01-01T00:00:00Z"}`),
		Timestamp:  time.Date(2026, 1, 1, 12, 0, 0, 5, time.UTC),
		RetryCount: 1,
	}

	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"operation":"update"`) {
		t.Errorf("wire record missing operation field: %s", data)
	}
	if !strings.Contains(string(data), `"retry_count":1`) {
		t.Errorf("wire record missing retry_count field: %s", data)
	}

	var decoded PendingOperation
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !decoded.Timestamp.Equal(op.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, op.Timestamp)
	}

	m, err := decoded.Mutation()
	if err != nil {
		t.Fatalf("Mutation() error = %v", err)
	}
	if m.ID != "t1" || m.Kind != KindUpdate {
		t.Errorf("Mutation() = %+v", m)
	}
}

func TestFromRecord_Invalid(t *testing.T) {
	tests := []struct {
		name string
		r    Record
	}{
		{"bad operation", Record{ID: "a", Table: TableTasks, Operation: "merge", Timestamp: "2026-01-01T00:00:00Z"}},
		{"bad table", Record{ID: "a", Table: "notes", Operation: "create", Timestamp: "2026-01-01T00:00:00Z"}},
		{"bad timestamp", Record{ID: "a", Table: TableTasks, Operation: "create", Timestamp: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromRecord(tt.r); err == nil {
				t.Error("FromRecord() expected error")
			}
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantKind Kind
		wantID   string
		wantErr  bool
	}{
		{
			name:     "create task",
			doc:      `{"operation":"create","table":"tasks","data":{"id":"t1","title":"Pay rent","status":"pending","updated_at":"2026-10-17T09:00:00Z"}}`,
			wantKind: KindCreate,
			wantID:   "t1",
		},
		{
			name:     "delete by id",
			doc:      `{"operation":"delete","table":"expenses","id":"e1"}`,
			wantKind: KindDelete,
			wantID:   "e1",
		},
		{
			name:     "delete by data id",
			doc:      `{"operation":"delete","table":"reminders","data":{"id":"r1"}}`,
			wantKind: KindDelete,
			wantID:   "r1",
		},
		{name: "update without data", doc: `{"operation":"update","table":"tasks"}`, wantErr: true},
		{name: "unknown table", doc: `{"operation":"delete","table":"notes","id":"n1"}`, wantErr: true},
		{name: "bad operation", doc: `{"operation":"merge","table":"tasks","id":"t1"}`, wantErr: true},
		{name: "invalid payload", doc: `{"operation":"create","table":"tasks","data":{"id":"t1"}}`, wantErr: true},
		{name: "not json", doc: `create tasks t1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseEnvelope([]byte(tt.doc))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseEnvelope() = %+v, want error", m)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEnvelope() failed: %v", err)
			}
			if m.Kind != tt.wantKind || m.ID != tt.wantID {
				t.Errorf("ParseEnvelope() = %s %s, want %s %s", m.Kind, m.ID, tt.wantKind, tt.wantID)
			}
		})
	}
}
