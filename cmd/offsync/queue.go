package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/migrate"
	"github.com/Mschirtzinger/offsync/internal/offline/queue"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "data",
	Short:   "Inspect and manage the pending operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations in sync order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		ops, err := queue.New(store, events.Discard).DequeueAll(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			recs := make([]schema.Record, 0, len(ops))
			for _, op := range ops {
				recs = append(recs, op.ToRecord())
			}
			return printJSON(recs)
		}
		if len(ops) == 0 {
			fmt.Println("No pending operations")
			return nil
		}

		maxRetries := cfg.Policy.MaxRetries
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("ID", "TABLE", "OP", "RECORD", "RETRIES", "AGE")
		for _, op := range ops {
			record := ""
			if op.RecordID != nil {
				record = *op.RecordID
			}
			retries := fmt.Sprintf("%d/%d", op.RetryCount, maxRetries)
			if op.RetryCount >= maxRetries {
				retries = styles.fail.Render(retries)
			}
			t.Row(op.ID, op.Table, string(op.Kind), record, retries,
				time.Since(op.Timestamp).Round(time.Second).String())
		}
		fmt.Println(t)
		fmt.Printf("%d pending\n", len(ops))
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add [operation table [data]]",
	Short: "Apply a local write and queue it for sync",
	Long: `Apply a local write to the store and queue it for sync.

The mutation is given either as arguments or as a JSON document with --file
(use - for stdin):

  offsync queue add create tasks '{"id":"t1","title":"Buy milk","updated_at":"2026-10-18T09:00:00Z"}'
  offsync queue add delete tasks --id t1
  offsync queue add --file mutation.json

Document form:
  {"operation": "update", "table": "tasks", "data": {...}}`,
	Args: cobra.MaximumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		id, _ := cmd.Flags().GetString("id")

		var env schema.Envelope
		switch {
		case file != "":
			if len(args) > 0 {
				return fmt.Errorf("--file cannot be combined with arguments")
			}
			doc, err := readDocument(file)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(doc, &env); err != nil {
				return fmt.Errorf("failed to parse %s: %w", file, err)
			}
		case len(args) >= 2:
			env = schema.Envelope{Operation: args[0], Table: args[1], ID: id}
			if len(args) == 3 {
				env.Data = json.RawMessage(args[2])
			}
		default:
			return fmt.Errorf("need an operation and a table, or --file")
		}

		m, err := env.Mutation()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		op, err := queue.New(store, events.Discard).Write(ctx, m)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(op.ToRecord())
		}
		fmt.Printf("%s Queued %s %s/%s as %s\n", styles.pass.Render("✓"), op.Kind, op.Table, m.ID, op.ID)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending operation",
	Long: `Discard every pending operation and cancel their scheduled retries.
Local rows keep their unsynced changes; they will not reach the backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := cmd.Context()

		d, err := openDaemon(ctx, daemonOptions{})
		if err != nil {
			return err
		}
		defer d.Close()

		count, err := d.PendingOperationsCount(ctx)
		if err != nil {
			return err
		}
		if count == 0 {
			fmt.Println("No pending operations")
			return nil
		}

		if !yes {
			if !isInteractive() {
				return fmt.Errorf("refusing to discard %d operations without --yes", count)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Discard %d pending operations?", count)).
				Description("Unsynced local changes will never reach the backend.").
				Affirmative("Discard").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		n, err := d.ClearPendingOperations(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Discarded %d operations\n", styles.warn.Render("!"), n)
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <id>...",
	Short: "Discard specific pending operations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDaemon(ctx, daemonOptions{})
		if err != nil {
			return err
		}
		defer d.Close()

		var missing []string
		for _, id := range args {
			removed, err := d.DropOperation(ctx, id)
			if err != nil {
				return err
			}
			if !removed {
				missing = append(missing, id)
				continue
			}
			fmt.Printf("%s Dropped %s\n", styles.pass.Render("✓"), id)
		}
		if len(missing) > 0 {
			return fmt.Errorf("not in queue: %s", strings.Join(missing, ", "))
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset an operation's retry budget and submit it now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDaemon(ctx, daemonOptions{})
		if err != nil {
			return err
		}
		defer d.Close()

		if err := probe(ctx, d); err != nil {
			return err
		}
		err = d.RetryOperation(ctx, args[0])
		switch {
		case errors.Is(err, db.ErrNotFound):
			return fmt.Errorf("operation %s is not in the queue", args[0])
		case errors.Is(err, daemon.ErrOffline):
			return fmt.Errorf("backend unreachable, operation %s stays queued", args[0])
		case err != nil:
			return err
		}
		fmt.Printf("%s Synced %s\n", styles.pass.Render("✓"), args[0])
		return nil
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the queue to a JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := migrate.Export(ctx, queue.New(store, events.Discard), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d operations to %s\n", n, args[0])
		return nil
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add operations from a JSONL file to the queue",
	Long: `Add operations from a JSONL file to the queue. Operations whose id is
already queued are skipped. Records are validated before anything is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := migrate.Import(ctx, queue.New(store, events.Discard), migrate.ImportOptions{
			From:   args[0],
			DryRun: dryRun,
			Backup: backup,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		if res.BackupCreated != "" {
			fmt.Printf("Backup written to %s\n", res.BackupCreated)
		}
		if dryRun {
			fmt.Printf("Dry run: %d operations valid\n", res.Read)
			return nil
		}
		fmt.Printf("Imported %d operations (%d already queued)\n", res.Imported, res.Skipped)
		return nil
	},
}

func readDocument(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	// #nosec G304 - controlled path from CLI
	return os.ReadFile(path)
}

func init() {
	queueAddCmd.Flags().StringP("file", "f", "", "Read the mutation document from a file (- for stdin)")
	queueAddCmd.Flags().String("id", "", "Record id for delete operations")
	queueClearCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	queueImportCmd.Flags().Bool("dry-run", false, "Validate without writing")
	queueImportCmd.Flags().Bool("backup", false, "Export the current queue before importing")

	queueCmd.AddCommand(queueListCmd, queueAddCmd, queueClearCmd, queueDropCmd,
		queueRetryCmd, queueExportCmd, queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}
