package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/offsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with the current settings",
	Long: `Write the effective configuration (defaults, file and OFFSYNC_*
environment overrides) to a TOML file. The default path is ./offsync.toml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteFile(path, cfg, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", styles.pass.Render("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Backend.Token != "" {
			shown.Backend.Token = "********"
		}
		if jsonOutput {
			return printJSON(shown)
		}
		if cfg.File != "" {
			fmt.Println(styles.muted.Render("# " + cfg.File))
		} else {
			fmt.Println(styles.muted.Render("# no config file, defaults and environment only"))
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(shown)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
