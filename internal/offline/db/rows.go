package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

// Row is one stored entity row.
type Row struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
	Synced    bool            `json:"synced"`
}

// Payload decodes the row into its typed payload.
func (r *Row) Payload() (schema.Payload, error) {
	return schema.DecodePayload(r.Table, r.Data)
}

func entityTables() []string {
	return schema.Tables()
}

// checkTable guards every query that interpolates a table name.
func checkTable(table string) error {
	if !schema.IsValidTable(table) {
		return fmt.Errorf("%w: %s", schema.ErrUnknownTable, table)
	}
	return nil
}

type queryExecer interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertRow(ctx context.Context, ex execer, row *Row) error {
	if err := checkTable(row.Table); err != nil {
		return err
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (id, data, updated_at, synced)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at,
		synced = excluded.synced
	`, row.Table)
	_, err := ex.ExecContext(ctx, query, row.ID, string(row.Data), nanos(row.UpdatedAt), boolToInt(row.Synced))
	if err != nil {
		return fmt.Errorf("failed to upsert %s row %s: %w", row.Table, row.ID, err)
	}
	return nil
}

func deleteRow(ctx context.Context, ex execer, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to delete %s row %s: %w", table, id, err)
	}
	return nil
}

func getRow(ctx context.Context, q queryExecer, table, id string) (*Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	row := Row{Table: table}
	var data string
	var updatedAt int64
	var synced int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, data, updated_at, synced FROM %s WHERE id = ?`, table), id,
	).Scan(&row.ID, &data, &updatedAt, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s row %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s row %s: %w", table, id, err)
	}
	row.Data = json.RawMessage(data)
	row.UpdatedAt = fromNanos(updatedAt)
	row.Synced = synced != 0
	return &row, nil
}

// UpsertRow inserts or updates an entity row.
func (db *DB) UpsertRow(ctx context.Context, row *Row) error {
	return upsertRow(ctx, db.conn, row)
}

// GetRow retrieves an entity row. Returns ErrNotFound if absent.
func (db *DB) GetRow(ctx context.Context, table, id string) (*Row, error) {
	return getRow(ctx, db.conn, table, id)
}

// DeleteRow removes an entity row. Returns nil if it doesn't exist (idempotent).
func (db *DB) DeleteRow(ctx context.Context, table, id string) error {
	return deleteRow(ctx, db.conn, table, id)
}

// MarkSynced sets the synced flag of a row.
func (db *DB) MarkSynced(ctx context.Context, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET synced = 1 WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to mark %s row %s synced: %w", table, id, err)
	}
	return nil
}

// ListRows returns the rows of table ordered by updated_at descending.
// When unsyncedOnly is set only rows awaiting sync are returned.
func (db *DB) ListRows(ctx context.Context, table string, unsyncedOnly bool) ([]*Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, data, updated_at, synced FROM %s`, table)
	if unsyncedOnly {
		query += ` WHERE synced = 0`
	}
	query += ` ORDER BY updated_at DESC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rows: %w", table, err)
	}
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		row := Row{Table: table}
		var data string
		var updatedAt int64
		var synced int
		if err := rows.Scan(&row.ID, &data, &updatedAt, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		row.Data = json.RawMessage(data)
		row.UpdatedAt = fromNanos(updatedAt)
		row.Synced = synced != 0
		result = append(result, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", table, err)
	}
	return result, nil
}

// ListUnsynced returns rows of table whose synced flag is clear.
func (db *DB) ListUnsynced(ctx context.Context, table string) ([]*Row, error) {
	return db.ListRows(ctx, table, true)
}

// CountRows returns the number of rows in table.
func (db *DB) CountRows(ctx context.Context, table string) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var count int
	if err := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s rows: %w", table, err)
	}
	return count, nil
}

// ApplyRemoteRow writes a row received from the backend and records the
// table's sync time in one transaction. A nil data deletes the row. The row
// stays unsynced while local operations for it are still queued.
func (db *DB) ApplyRemoteRow(ctx context.Context, table, id string, data json.RawMessage, updatedAt time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if data == nil {
		err = deleteRow(ctx, tx, table, id)
	} else {
		var pending int
		pending, err = countRecordOperations(ctx, tx, table, id)
		if err == nil {
			err = upsertRow(ctx, tx, &Row{Table: table, ID: id, Data: data, UpdatedAt: updatedAt, Synced: pending == 0})
		}
	}
	if err != nil {
		return err
	}
	if err := upsertMetadata(ctx, tx, SyncKey(table), db.now(), nil); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
