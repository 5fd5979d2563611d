// Package migrate moves the pending operation queue and entity rows in and
// out of JSONL files, one record per line.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

// Queue is the part of the operation queue export and import use.
type Queue interface {
	DequeueAll(ctx context.Context) ([]*schema.PendingOperation, error)
	Import(ctx context.Context, ops []*schema.PendingOperation) (int, error)
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	From   string // Input JSONL file path
	DryRun bool   // Parse and validate without writing
	Backup bool   // Export the current queue before importing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read          int
	Imported      int
	Skipped       int
	BackupCreated string
}

// ReadOperations reads a JSONL file of operation records.
func ReadOperations(path string) ([]*schema.PendingOperation, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return DecodeOperations(file)
}

// DecodeOperations decodes operation records until EOF. Every record is
// validated against its table's payload shape.
func DecodeOperations(r io.Reader) ([]*schema.PendingOperation, error) {
	var ops []*schema.PendingOperation
	decoder := json.NewDecoder(r)
	line := 0

	for {
		var rec schema.Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", line+1, err)
		}
		line++

		op, err := schema.FromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("invalid record %d: %w", line, err)
		}
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record %d (%s): %w", line, op.ID, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// EncodeOperations writes one record per line.
func EncodeOperations(w io.Writer, ops []*schema.PendingOperation) error {
	encoder := json.NewEncoder(w)
	for _, op := range ops {
		if err := encoder.Encode(op.ToRecord()); err != nil {
			return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
		}
	}
	return nil
}

// WriteOperations writes ops to path atomically.
func WriteOperations(path string, ops []*schema.PendingOperation) error {
	return writeAtomic(path, func(w io.Writer) error {
		return EncodeOperations(w, ops)
	})
}

// Export writes the whole queue to path in FIFO order and returns how many
// operations were written.
func Export(ctx context.Context, q Queue, path string) (int, error) {
	ops, err := q.DequeueAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}
	if err := WriteOperations(path, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}

// Import reads opts.From and adds its operations to q. Operations whose id
// is already queued are skipped.
func Import(ctx context.Context, q Queue, opts ImportOptions) (*ImportResult, error) {
	if _, err := os.Stat(opts.From); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	ops, err := ReadOperations(opts.From)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result := &ImportResult{Read: len(ops)}
	if opts.DryRun {
		return result, nil
	}

	if opts.Backup {
		backupPath := opts.From + ".backup." + time.Now().Format("20060102-150405")
		if _, err := Export(ctx, q, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	n, err := q.Import(ctx, ops)
	result.Imported = n
	result.Skipped = len(ops) - n
	if err != nil {
		return result, fmt.Errorf("import stopped after %d operations: %w", n, err)
	}
	return result, nil
}

// SnapshotRows writes every row of every entity table to dir/<table>.jsonl
// and returns the number of rows written per table.
func SnapshotRows(ctx context.Context, store *db.DB, dir string) (map[string]int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	counts := make(map[string]int)
	for _, table := range schema.Tables() {
		rows, err := store.ListRows(ctx, table, false)
		if err != nil {
			return nil, err
		}
		err = writeAtomic(filepath.Join(dir, table+".jsonl"), func(w io.Writer) error {
			encoder := json.NewEncoder(w)
			for _, row := range rows {
				if err := encoder.Encode(row); err != nil {
					return fmt.Errorf("failed to encode %s/%s: %w", table, row.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		counts[table] = len(rows)
	}
	return counts, nil
}

// CleanupSnapshot removes the files written by SnapshotRows.
func CleanupSnapshot(dir string) error {
	for _, table := range schema.Tables() {
		path := filepath.Join(dir, table+".jsonl")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

// writeAtomic writes through a temp file renamed into place.
func writeAtomic(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	if err := write(w); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
