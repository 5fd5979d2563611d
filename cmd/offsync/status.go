package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync engine health",
	Long: `Show a health snapshot: connectivity, sync status, queue depth,
operations that exhausted their retries and the last sync time per table.

Formats: text (default), json, yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if jsonOutput {
			format = "json"
		}
		switch format {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
		}

		ctx := cmd.Context()
		d, err := openDaemon(ctx, daemonOptions{})
		if err != nil {
			return err
		}
		defer d.Close()

		// Without a backend the engine is offline; that is not an error here.
		_ = probe(ctx, d)

		h, err := d.Health(ctx)
		if err != nil {
			return fmt.Errorf("failed to read health: %w", err)
		}

		switch format {
		case "json":
			return printJSON(h)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(h)
		}
		printHealth(h)
		return nil
	},
}

func printHealth(h daemon.Health) {
	fmt.Println(styles.title.Render("Sync Engine"))
	field("Status", statusStyle(h.CurrentStatus).Render(string(h.CurrentStatus)))
	if h.IsOnline {
		field("Backend", styles.pass.Render("online"))
	} else {
		field("Backend", styles.warn.Render("offline"))
	}
	field("Database", cfg.DBPath)
	field("Journal mode", h.JournalMode)
	fmt.Println()

	fmt.Println(styles.title.Render("Queue"))
	field("Pending", h.PendingOperations)
	failed := fmt.Sprint(h.FailedOperations)
	if h.FailedOperations > 0 {
		failed = styles.fail.Render(failed) + styles.muted.Render("  (offsync queue retry <id>)")
	}
	field("Retries exhausted", failed)
	field("Retrying", h.RetryingOps)
	fmt.Println()

	fmt.Println(styles.title.Render("Last Sync"))
	for _, table := range schema.Tables() {
		t := h.LastSyncTimes[table]
		if t == nil {
			field(table, styles.muted.Render("never"))
			continue
		}
		field(table, fmt.Sprintf("%s (%s ago)", t.Local().Format(time.DateTime), time.Since(*t).Round(time.Second)))
	}
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text, json, yaml")
	rootCmd.AddCommand(statusCmd)
}
