// Command offsync runs and inspects the local-first cache and sync engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/config"
	"github.com/Mschirtzinger/offsync/internal/logging"
	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/remote"
	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

var (
	configPath string
	dbOverride string
	jsonOutput bool

	cfg       *config.Config
	logOutput *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Local-first cache and sync engine",
	Long: `offsync keeps application data in a local SQLite store, queues every local
write while offline and drains the queue to the backend when connectivity
returns. Realtime changes from the backend are reconciled with last-write-wins.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbOverride != "" {
			c.DBPath = dbOverride
		}
		cfg = c

		out, err := logging.Open(cfg.Logging())
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logOutput = out
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOutput != nil {
			_ = logOutput.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./offsync.toml)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "database path (overrides db_path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the configured database.
func openStore(ctx context.Context) (*db.DB, error) {
	store, err := db.OpenContext(ctx, cfg.DBPath, db.WithLogger(logOutput.Logger("db")))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.DBPath, err)
	}
	return store, nil
}

var errNoBackend = errors.New("no backend configured (set backend.url or OFFSYNC_BACKEND_URL)")

// unconfiguredSubmitter fails every submission.
type unconfiguredSubmitter struct{}

func (unconfiguredSubmitter) Submit(context.Context, *schema.PendingOperation) (*schema.Confirmation, error) {
	return nil, errNoBackend
}

// newSubmitter builds the HTTP submitter, or one that always fails when no
// backend URL is configured.
func newSubmitter() (daemon.Submitter, error) {
	if cfg.Backend.URL == "" {
		return unconfiguredSubmitter{}, nil
	}
	var opts []remote.SubmitterOption
	if cfg.Backend.Token != "" {
		opts = append(opts, remote.WithBearerToken(cfg.Backend.Token))
	}
	return remote.NewHTTPSubmitter(cfg.Backend.URL, opts...)
}

// daemonOptions controls what openDaemon wires in.
type daemonOptions struct {
	outbox   bool
	realtime bool
}

// openDaemon opens the store and builds a daemon over it. Closing the
// daemon closes the store.
func openDaemon(ctx context.Context, o daemonOptions) (*daemon.Daemon, error) {
	submitter, err := newSubmitter()
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	dc := daemon.DefaultConfig()
	dc.Sync = cfg.Sync()
	dc.Logger = logOutput.Logger("daemon")
	if o.outbox {
		dc.OutboxDir = cfg.OutboxDir
	}

	var opts []daemon.Option
	if cfg.Backend.URL != "" {
		opts = append(opts, daemon.WithConnectivity(
			remote.NewProber(cfg.Backend.URL, cfg.Backend.ProbeInterval, logOutput.Logger("prober"))))
	} else {
		opts = append(opts, daemon.WithConnectivity(offline{}))
	}
	if o.realtime && cfg.Backend.RealtimeURL != "" {
		opts = append(opts, daemon.WithSubscription(
			remote.NewSubscriber(cfg.Backend.RealtimeURL, logOutput.Logger("realtime"))))
	}

	d, err := daemon.New(store, submitter, dc, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return d, nil
}

// offline is the connectivity of a process without a backend.
type offline struct{}

func (offline) IsConnected(context.Context) bool { return false }
func (offline) Changes() <-chan bool               { return nil }
