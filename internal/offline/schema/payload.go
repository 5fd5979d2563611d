package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entity table names.
const (
	TableTasks        = "tasks"
	TableExpenses     = "expenses"
	TableReminders    = "reminders"
	TableChatMessages = "chat_messages"
)

// ErrUnknownTable is returned for a table name outside the synchronized set.
var ErrUnknownTable = errors.New("unknown table")

// Tables returns every synchronized entity table in a stable order.
func Tables() []string {
	return []string{TableTasks, TableExpenses, TableReminders, TableChatMessages}
}

// IsValidTable reports whether table is a synchronized entity table.
func IsValidTable(table string) bool {
	switch table {
	case TableTasks, TableExpenses, TableReminders, TableChatMessages:
		return true
	}
	return false
}

// Payload is the typed row content of one entity table.
type Payload interface {
	// TableName is the entity table the payload belongs to.
	TableName() string
	// RecordID is the primary key of the row.
	RecordID() string
	// Modified is the authoritative update timestamp used for last-write-wins.
	Modified() time.Time
	// Validate checks field values.
	Validate() error
}

// Task is a row of the tasks table.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"` // pending, in_progress, done
	Priority    int        `json:"priority"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (t *Task) TableName() string   { return TableTasks }
func (t *Task) RecordID() string    { return t.ID }
func (t *Task) Modified() time.Time { return t.UpdatedAt }

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	switch t.Status {
	case "pending", "in_progress", "done":
	default:
		return fmt.Errorf("invalid status: %q", t.Status)
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Expense is a row of the expenses table. Amounts are stored in minor units.
type Expense struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Category    string    `json:"category,omitempty"`
	SpentAt     time.Time `json:"spent_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (e *Expense) TableName() string   { return TableExpenses }
func (e *Expense) RecordID() string    { return e.ID }
func (e *Expense) Modified() time.Time { return e.UpdatedAt }

// Validate checks if the Expense has valid field values.
func (e *Expense) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Description == "" {
		return fmt.Errorf("description is required")
	}
	if e.AmountCents < 0 {
		return fmt.Errorf("amount_cents must not be negative (got %d)", e.AmountCents)
	}
	if len(e.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code (got %q)", e.Currency)
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Reminder is a row of the reminders table.
type Reminder struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	RemindAt  time.Time `json:"remind_at"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Reminder) TableName() string   { return TableReminders }
func (r *Reminder) RecordID() string    { return r.ID }
func (r *Reminder) Modified() time.Time { return r.UpdatedAt }

// Validate checks if the Reminder has valid field values.
func (r *Reminder) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if r.RemindAt.IsZero() {
		return fmt.Errorf("remind_at is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// ChatMessage is a row of the chat_messages table.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user, assistant, system
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (m *ChatMessage) TableName() string   { return TableChatMessages }
func (m *ChatMessage) RecordID() string    { return m.ID }
func (m *ChatMessage) Modified() time.Time { return m.UpdatedAt }

// Validate checks if the ChatMessage has valid field values.
func (m *ChatMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	switch m.Role {
	case "user", "assistant", "system":
	default:
		return fmt.Errorf("invalid role: %q", m.Role)
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// NewPayload returns an empty payload for table.
func NewPayload(table string) (Payload, error) {
	switch table {
	case TableTasks:
		return &Task{}, nil
	case TableExpenses:
		return &Expense{}, nil
	case TableReminders:
		return &Reminder{}, nil
	case TableChatMessages:
		return &ChatMessage{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
}

// DecodePayload parses and validates a JSON row for table.
func DecodePayload(table string, data []byte) (Payload, error) {
	p, err := NewPayload(table)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", table, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", table, err)
	}
	return p, nil
}
