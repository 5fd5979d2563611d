package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
	"github.com/Mschirtzinger/offsync/internal/offline/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon:
  1. Drains the pending operation queue on startup and every sync.interval
  2. Syncs again as soon as the backend becomes reachable
  3. Applies realtime changes from backend.realtime_url
  4. Enforces the cache ceilings every sync.eviction_interval
  5. Queues mutation files dropped into outbox_dir

Example usage:
  offsync daemon
  offsync daemon --dashboard --addr 127.0.0.1:9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		addr, _ := cmd.Flags().GetString("addr")
		return runDaemon(withDashboard, addr)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync engine with the real-time WebSocket dashboard",
	Long: `Run the sync engine and serve a WebSocket dashboard for watching it.

WebSocket messages include:
- queue_update: operation queued, removed or queue cleared
- sync_update: sync cycle started or completed, operation synced or failed
- retry_update: retry scheduled, succeeded, cancelled or exhausted
- change: realtime change applied or rejected
- cache: cache entries evicted
- status: sync status or connectivity changed
- stats: running counters
- health: periodic health snapshot

Connect with a WebSocket client:
  ws://127.0.0.1:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return runDaemon(true, addr)
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
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
		res, err := d.SyncNow(ctx)
		if err != nil {
			if errors.Is(err, daemon.ErrOffline) {
				return fmt.Errorf("backend unreachable, operations stay queued")
			}
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("%s Synced %d, failed %d, skipped %d in %v\n",
			styles.pass.Render("✓"), res.Synced, res.Failed, res.Skipped, res.Duration.Round(time.Millisecond))
		return nil
	},
}

func runDaemon(withDashboard bool, addr string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := openDaemon(ctx, daemonOptions{outbox: true, realtime: true})
	if err != nil {
		return err
	}

	if withDashboard {
		if addr == "" {
			addr = cfg.Dashboard.Addr
		}
		server := dashboard.NewServer(&dashboard.Config{
			Addr:   addr,
			Health: d,
			Logger: logOutput.Logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			_ = d.Close()
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer server.Stop()

		handler := dashboard.NewHandler(server, d, logOutput.Logger("dashboard"))
		go handler.Run(ctx, d.Events(), cfg.Dashboard.HealthInterval)

		fmt.Printf("Dashboard server started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
	}

	fmt.Printf("Sync engine running (db: %s)\n", cfg.DBPath)
	if cfg.Backend.URL == "" {
		fmt.Println("No backend configured; writes stay queued.")
	}
	fmt.Println("Press Ctrl+C to stop...")

	err = d.Run(ctx)
	fmt.Println("\nSync engine stopped")
	return err
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard")
	daemonCmd.Flags().String("addr", "", "Dashboard listen address (default: dashboard.addr)")
	dashboardCmd.Flags().String("addr", "", "Listen address (default: dashboard.addr)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(syncCmd)
}
