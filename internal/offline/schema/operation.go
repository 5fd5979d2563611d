package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PendingOperation is a local mutation that has not been acknowledged by the
// backend yet.
type PendingOperation struct {
	ID         string
	Table      string
	Kind       Kind
	Data       json.RawMessage
	Timestamp  time.Time
	RetryCount int
	RecordID   *string
}

// Record is the flat wire/storage form of a PendingOperation.
type Record struct {
	ID         string          `json:"id"`
	Table      string          `json:"table"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	RecordID   *string         `json:"record_id,omitempty"`
}

// NewPendingOperation builds an operation for m stamped at now.
// The operation id is a random UUID.
func NewPendingOperation(m Mutation, now time.Time) (*PendingOperation, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}
	data, err := m.Data()
	if err != nil {
		return nil, err
	}
	id := m.ID
	return &PendingOperation{
		ID:        uuid.NewString(),
		Table:     m.Table,
		Kind:      m.Kind,
		Data:      data,
		Timestamp: now.UTC(),
		RecordID:  &id,
	}, nil
}

// Validate checks the operation against its table's payload shape.
func (op *PendingOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("id is required")
	}
	if op.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative (got %d)", op.RetryCount)
	}
	if op.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	_, err := decodeMutation(op.Table, op.Kind, op.Data)
	return err
}

// Mutation decodes the typed mutation carried by the operation.
func (op *PendingOperation) Mutation() (Mutation, error) {
	return decodeMutation(op.Table, op.Kind, op.Data)
}

// ToRecord converts the operation to its flat record form.
func (op *PendingOperation) ToRecord() Record {
	r := Record{
		ID:         op.ID,
		Table:      op.Table,
		Operation:  string(op.Kind),
		Data:       append(json.RawMessage(nil), op.Data...),
		Timestamp:  op.Timestamp.UTC().Format(time.RFC3339Nano),
		RetryCount: op.RetryCount,
	}
	if op.RecordID != nil {
		id := *op.RecordID
		r.RecordID = &id
	}
	return r
}

// FromRecord parses a flat record back into a PendingOperation.
func FromRecord(r Record) (*PendingOperation, error) {
	kind, err := ParseKind(r.Operation)
	if err != nil {
		return nil, err
	}
	if !IsValidTable(r.Table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, r.Table)
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp %q: %w", r.Timestamp, err)
	}
	op := &PendingOperation{
		ID:         r.ID,
		Table:      r.Table,
		Kind:       kind,
		Data:       append(json.RawMessage(nil), r.Data...),
		Timestamp:  ts.UTC(),
		RetryCount: r.RetryCount,
	}
	if r.RecordID != nil {
		id := *r.RecordID
		op.RecordID = &id
	}
	return op, nil
}

// MarshalJSON encodes the operation as its Record.
func (op *PendingOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.ToRecord())
}

// UnmarshalJSON decodes the operation from its Record.
func (op *PendingOperation) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	parsed, err := FromRecord(r)
	if err != nil {
		return err
	}
	*op = *parsed
	return nil
}

// Confirmation is the backend's acknowledgement of a submitted operation.
type Confirmation struct {
	// RecordID is the id the backend assigned or confirmed for the row
	RecordID string `json:"record_id,omitempty"`

	// Data is the authoritative row. Empty means the submitted data was
	// stored as sent.
	Data json.RawMessage `json:"data,omitempty"`

	// UpdatedAt is the authoritative update time of the row
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
