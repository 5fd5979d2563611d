package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/offline/migrate"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot <dir>",
	GroupID: "data",
	Short:   "Write every entity row to <dir>/<table>.jsonl",
	Long: `Write every row of every entity table, synced or not, to one JSONL file
per table. --clean removes a previous snapshot instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clean, _ := cmd.Flags().GetBool("clean")
		dir := args[0]

		if clean {
			if err := migrate.CleanupSnapshot(dir); err != nil {
				return err
			}
			fmt.Printf("Removed snapshot in %s\n", dir)
			return nil
		}

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		counts, err := migrate.SnapshotRows(ctx, store, dir)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(counts)
		}
		for _, table := range schema.Tables() {
			field(table, counts[table])
		}
		return nil
	},
}

func init() {
	snapshotCmd.Flags().Bool("clean", false, "Remove the snapshot files")
	rootCmd.AddCommand(snapshotCmd)
}
