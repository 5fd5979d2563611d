package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

func insertOperation(ctx context.Context, ex execer, op *schema.PendingOperation) error {
	var recordID sql.NullString
	if op.RecordID != nil {
		recordID = sql.NullString{String: *op.RecordID, Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
	INSERT INTO pending_operations (id, tbl, operation, data, timestamp, retry_count, record_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Table, string(op.Kind), string(op.Data), nanos(op.Timestamp), op.RetryCount, recordID)
	if err != nil {
		return fmt.Errorf("failed to insert pending operation %s: %w", op.ID, err)
	}
	return nil
}

// InsertOperation persists a pending operation at the tail of the queue.
func (db *DB) InsertOperation(ctx context.Context, op *schema.PendingOperation) error {
	return insertOperation(ctx, db.conn, op)
}

// ApplyLocalMutation writes a local change to its entity row (synced=0) and
// queues op for the backend in one transaction. Deletes remove the row.
func (db *DB) ApplyLocalMutation(ctx context.Context, m schema.Mutation, op *schema.PendingOperation) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if m.Kind == schema.KindDelete {
		err = deleteRow(ctx, tx, m.Table, m.ID)
	} else {
		err = upsertRow(ctx, tx, &Row{
			Table:     m.Table,
			ID:        m.ID,
			Data:      op.Data,
			UpdatedAt: m.Payload.Modified(),
			Synced:    false,
		})
	}
	if err != nil {
		return err
	}

	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompleteOperation removes an acknowledged operation, applies the
// backend-confirmed row and records the table's sync time in one transaction.
// A nil row means there is no row state to apply (the operation was a delete).
//
// When row.ID differs from the operation's record id the backend assigned a
// new id: the local row and every queued operation for the record are moved
// to it first. The confirmed row is then applied only when no newer
// operations for the record are queued and the stored row is not newer, so
// confirmed state never overwrites a later local write or realtime change.
func (db *DB) CompleteOperation(ctx context.Context, op *schema.PendingOperation, row *Row) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, op.ID)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending operation %s: %w", op.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Removed concurrently (cleared or dropped); do not resurrect state.
		return false, nil
	}

	if row != nil {
		if op.RecordID != nil && *op.RecordID != "" && *op.RecordID != row.ID {
			if err := rekeyRecord(ctx, tx, row.Table, *op.RecordID, row.ID); err != nil {
				return false, err
			}
		}
		if err := applyConfirmedRow(ctx, tx, row); err != nil {
			return false, err
		}
	}
	if err := upsertMetadata(ctx, tx, SyncKey(op.Table), db.now(), nil); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func applyConfirmedRow(ctx context.Context, tx *sql.Tx, row *Row) error {
	later, err := countRecordOperations(ctx, tx, row.Table, row.ID)
	if err != nil {
		return err
	}
	if later > 0 {
		return nil
	}

	stored, err := getRow(ctx, tx, row.Table, row.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if stored != nil && stored.UpdatedAt.After(row.UpdatedAt) {
		// A realtime change landed after this write; keep it.
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET synced = 1 WHERE id = ?`, row.Table), row.ID)
		if err != nil {
			return fmt.Errorf("failed to mark %s row %s synced: %w", row.Table, row.ID, err)
		}
		return nil
	}

	row.Synced = true
	return upsertRow(ctx, tx, row)
}

// rekeyRecord moves the row oldID of table and the queued operations that
// target it to newID.
func rekeyRecord(ctx context.Context, tx *sql.Tx, table, oldID, newID string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), newID); err != nil {
		return fmt.Errorf("failed to clear %s row %s: %w", table, newID, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
	UPDATE %s SET id = ?, data = json_set(data, '$.id', ?) WHERE id = ?
	`, table), newID, newID, oldID); err != nil {
		return fmt.Errorf("failed to rename %s row %s to %s: %w", table, oldID, newID, err)
	}
	if _, err := tx.ExecContext(ctx, `
	UPDATE pending_operations SET record_id = ?, data = json_set(data, '$.id', ?)
	WHERE tbl = ? AND record_id = ?
	`, newID, newID, table, oldID); err != nil {
		return fmt.Errorf("failed to rename queued operations of %s: %w", oldID, err)
	}
	return nil
}

// countRecordOperations counts the queued operations that target one row.
func countRecordOperations(ctx context.Context, q queryExecer, table, id string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM pending_operations WHERE tbl = ? AND record_id = ?
	`, table, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to check pending operations of %s: %w", id, err)
	}
	return n, nil
}

const operationColumns = `id, tbl, operation, data, timestamp, retry_count, record_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(s rowScanner) (*schema.PendingOperation, error) {
	var op schema.PendingOperation
	var kind, data string
	var ts int64
	var recordID sql.NullString
	if err := s.Scan(&op.ID, &op.Table, &kind, &data, &ts, &op.RetryCount, &recordID); err != nil {
		return nil, err
	}
	op.Kind = schema.Kind(kind)
	op.Data = json.RawMessage(data)
	op.Timestamp = fromNanos(ts)
	if recordID.Valid {
		id := recordID.String
		op.RecordID = &id
	}
	return &op, nil
}

// ListOperations returns every pending operation, oldest first.
func (db *DB) ListOperations(ctx context.Context) ([]*schema.PendingOperation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM pending_operations ORDER BY timestamp ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*schema.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return ops, nil
}

// GetOperation returns one pending operation, or ErrNotFound.
func (db *DB) GetOperation(ctx context.Context, id string) (*schema.PendingOperation, error) {
	op, err := scanOperation(db.conn.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending operation %s: %w", id, err)
	}
	return op, nil
}

// DeleteOperation removes a pending operation and reports whether it existed.
func (db *DB) DeleteOperation(ctx context.Context, id string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending operation %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearOperations removes every pending operation and returns how many were removed.
func (db *DB) ClearOperations(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM pending_operations`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear pending operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountOperations returns the number of pending operations.
func (db *DB) CountOperations(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// CountOperationsByTable returns pending operation counts keyed by table.
func (db *DB) CountOperationsByTable(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT tbl, COUNT(*) FROM pending_operations GROUP BY tbl`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			return nil, fmt.Errorf("failed to scan operation count: %w", err)
		}
		counts[table] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation counts: %w", err)
	}
	return counts, nil
}

// IncrementRetryCount bumps retry_count of an operation and returns the new value.
func (db *DB) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
	UPDATE pending_operations SET retry_count = retry_count + 1
	WHERE id = ?
	RETURNING retry_count
	`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("pending operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count of %s: %w", id, err)
	}
	return count, nil
}

// ResetRetryCount sets retry_count of an operation back to zero.
func (db *DB) ResetRetryCount(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE pending_operations SET retry_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to reset retry count of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending operation %s: %w", id, ErrNotFound)
	}
	return nil
}
