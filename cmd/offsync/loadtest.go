package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/offline/eviction"
	"github.com/Mschirtzinger/offsync/internal/offline/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure the local store under concurrent load",
	Long: `Run a concurrent workload against a throwaway database.

Workers mix cache reads and writes, queued task writes, queue snapshots and
eviction passes. Latency is reported per operation. With --verify, concurrent
writers and readers then run for --duration and the queue is checked for lost,
duplicated or out-of-order operations.

Examples:
  offsync loadtest
  offsync loadtest --workers 50 --ops 200 --entries 5000
  offsync loadtest --verify --duration 10s --json`,
	RunE: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("workers", 20, "Number of concurrent workers")
	loadtestCmd.Flags().Int("ops", 100, "Operations per worker")
	loadtestCmd.Flags().Int("entries", 1000, "Cache entries to preload")
	loadtestCmd.Flags().Int("tasks", 100, "Task writes to preload into the queue")
	loadtestCmd.Flags().Int("max-entries", 800, "Entry ceiling enforced by eviction workers")
	loadtestCmd.Flags().Bool("verify", false, "Also run the queue integrity check")
	loadtestCmd.Flags().Duration("duration", 5*time.Second, "Length of the integrity check")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	ops, _ := cmd.Flags().GetInt("ops")
	entries, _ := cmd.Flags().GetInt("entries")
	tasks, _ := cmd.Flags().GetInt("tasks")
	maxEntries, _ := cmd.Flags().GetInt("max-entries")
	verify, _ := cmd.Flags().GetBool("verify")
	duration, _ := cmd.Flags().GetDuration("duration")

	if workers <= 0 || ops <= 0 {
		return fmt.Errorf("--workers and --ops must be positive")
	}

	dir, err := os.MkdirTemp("", "offsync-loadtest-")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ts, err := loadtest.CreateTestStore(filepath.Join(dir, "load.db"), entries, tasks,
		eviction.Limits{MaxEntries: maxEntries})
	if err != nil {
		return err
	}
	defer ts.Close()

	if !jsonOutput {
		fmt.Printf("Running %d workers x %d ops (%d entries, %d queued tasks)...\n\n", workers, ops, entries, tasks)
	}
	stats, err := ts.RunConcurrentWorkload(workers, ops)
	if err != nil {
		return err
	}

	var verifyErr error
	if verify {
		verifyErr = ts.VerifyQueueIntegrity(workers/2+1, workers/2+1, duration)
	}

	summary, err := ts.Stats(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]any{"workload": stats, "store": summary}
		if verify {
			out["integrity_ok"] = verifyErr == nil
			if verifyErr != nil {
				out["integrity_error"] = verifyErr.Error()
			}
		}
		if err := printJSON(out); err != nil {
			return err
		}
		return verifyErr
	}

	fmt.Println(styles.title.Render("Overall"))
	stats.Overall.Fprint(os.Stdout)
	opNames := make([]string, 0, len(stats.ByOp))
	for op := range stats.ByOp {
		opNames = append(opNames, op)
	}
	slices.Sort(opNames)
	for _, op := range opNames {
		fmt.Println()
		fmt.Println(styles.title.Render(op))
		stats.ByOp[op].Fprint(os.Stdout)
	}

	fmt.Println()
	fmt.Println(styles.title.Render("Store"))
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		field(k, summary[k])
	}

	if verify {
		fmt.Println()
		if verifyErr != nil {
			fmt.Printf("%s Queue integrity: %v\n", styles.fail.Render("✗"), verifyErr)
			return verifyErr
		}
		fmt.Printf("%s Queue integrity verified over %v\n", styles.pass.Render("✓"), duration)
	}
	return nil
}
