package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the type of a pending mutation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ErrInvalidKind is returned for an operation kind other than create, update or delete.
var ErrInvalidKind = errors.New("invalid operation kind")

// ParseKind converts a wire operation name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCreate, KindUpdate, KindDelete:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Mutation is one local change to an entity table.
//
// Create and Update carry a full Payload; Delete carries only the table and
// record id.
type Mutation struct {
	Kind    Kind
	Table   string
	ID      string
	Payload Payload
}

// Create builds a create mutation for p.
func Create(p Payload) Mutation {
	return Mutation{Kind: KindCreate, Table: p.TableName(), ID: p.RecordID(), Payload: p}
}

// Update builds an update mutation for p.
func Update(p Payload) Mutation {
	return Mutation{Kind: KindUpdate, Table: p.TableName(), ID: p.RecordID(), Payload: p}
}

// Delete builds a delete mutation for the row id in table.
func Delete(table, id string) Mutation {
	return Mutation{Kind: KindDelete, Table: table, ID: id}
}

// Validate checks that the mutation is well formed.
func (m Mutation) Validate() error {
	if _, err := ParseKind(string(m.Kind)); err != nil {
		return err
	}
	if !IsValidTable(m.Table) {
		return fmt.Errorf("%w: %s", ErrUnknownTable, m.Table)
	}
	if m.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if m.Kind == KindDelete {
		return nil
	}
	if m.Payload == nil {
		return fmt.Errorf("%s mutation requires a payload", m.Kind)
	}
	if m.Payload.TableName() != m.Table {
		return fmt.Errorf("payload table %s does not match %s", m.Payload.TableName(), m.Table)
	}
	if m.Payload.RecordID() != m.ID {
		return fmt.Errorf("payload id %s does not match %s", m.Payload.RecordID(), m.ID)
	}
	return m.Payload.Validate()
}

// Data returns the table-shaped JSON payload of the mutation.
// Delete mutations encode as {"id": ...}.
func (m Mutation) Data() (json.RawMessage, error) {
	if m.Kind == KindDelete {
		return json.Marshal(struct {
			ID string `json:"id"`
		}{m.ID})
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Table, err)
	}
	return data, nil
}

// decodeMutation rebuilds a typed mutation from its stored form.
func decodeMutation(table string, kind Kind, data []byte) (Mutation, error) {
	if kind == KindDelete {
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &ref); err != nil {
			return Mutation{}, fmt.Errorf("failed to parse delete payload: %w", err)
		}
		m := Delete(table, ref.ID)
		return m, m.Validate()
	}
	p, err := DecodePayload(table, data)
	if err != nil {
		return Mutation{}, err
	}
	m := Mutation{Kind: kind, Table: table, ID: p.RecordID(), Payload: p}
	return m, m.Validate()
}

// Envelope is the JSON document form of a mutation used by outbox files and
// the CLI:
//
//	{"operation": "create", "table": "tasks", "data": {...}}
//	{"operation": "delete", "table": "tasks", "id": "t1"}
type Envelope struct {
	Operation string          `json:"operation"`
	Table     string          `json:"table"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes and validates an envelope document.
func ParseEnvelope(doc []byte) (Mutation, error) {
	var env Envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return Mutation{}, fmt.Errorf("failed to parse mutation document: %w", err)
	}
	return env.Mutation()
}

// Mutation converts the envelope to a validated mutation.
func (e Envelope) Mutation() (Mutation, error) {
	kind, err := ParseKind(e.Operation)
	if err != nil {
		return Mutation{}, err
	}
	if kind == KindDelete {
		id := e.ID
		if id == "" && len(e.Data) > 0 {
			var ref struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(e.Data, &ref); err == nil {
				id = ref.ID
			}
		}
		m := Delete(e.Table, id)
		return m, m.Validate()
	}
	if len(e.Data) == 0 {
		return Mutation{}, fmt.Errorf("%s mutation requires data", kind)
	}
	return decodeMutation(e.Table, kind, e.Data)
}
