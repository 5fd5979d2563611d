package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/offline/db"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
	"github.com/Mschirtzinger/offsync/internal/offline/eviction"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "data",
	Short:   "Read and manage cached entries",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a cached payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		payload, ok, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no cache entry for %q", args[0])
		}
		if _, err := os.Stdout.Write(payload); err != nil {
			return err
		}
		if len(payload) > 0 && payload[len(payload)-1] != '\n' {
			fmt.Println()
		}
		return nil
	},
}

var cachePutCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a payload under a key",
	Long: `Store a payload under a key. Use - as the value to read it from stdin.

--expires accepts an RFC 3339 time, a duration or natural language:
  offsync cache put profile '{"name":"Ada"}' --expires "in 2 hours"
  offsync cache put feed - --expires 15m < feed.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		expires, _ := cmd.Flags().GetString("expires")

		var payload []byte
		if args[1] == "-" {
			doc, err := readDocument("-")
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			payload = doc
		} else {
			payload = []byte(args[1])
		}

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		expiresAt, err := parseExpiry(expires, store.Now())
		if err != nil {
			return err
		}
		if err := store.PutWithExpiry(ctx, args[0], payload, expiresAt); err != nil {
			return err
		}
		msg := fmt.Sprintf("%s Stored %s (%d bytes)", styles.pass.Render("✓"), args[0], len(payload))
		if expiresAt != nil {
			msg += styles.muted.Render(", expires " + expiresAt.Local().Format(time.DateTime))
		}
		fmt.Println(msg)
		return nil
	},
}

var cacheTouchCmd = &cobra.Command{
	Use:   "touch <key>",
	Short: "Mark an entry as freshly updated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expires, _ := cmd.Flags().GetString("expires")

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		expiresAt, err := parseExpiry(expires, store.Now())
		if err != nil {
			return err
		}
		return store.TouchMetadata(ctx, args[0], expiresAt)
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove expired entries and enforce the cache ceilings",
	Long: `Remove expired entries, then evict until the cache is within
sync.max_cache_entries and sync.max_cache_bytes. --all empties the cache and
keeps sync bookkeeping.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		maxEntries, _ := cmd.Flags().GetInt("max-entries")
		maxBytes, _ := cmd.Flags().GetInt64("max-bytes")

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if all {
			n, err := store.ClearCache(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d entries\n", n)
			return nil
		}

		limits := eviction.Limits{MaxEntries: cfg.Policy.MaxCacheEntries, MaxBytes: cfg.Policy.MaxCacheBytes}
		if cmd.Flags().Changed("max-entries") {
			limits.MaxEntries = maxEntries
		}
		if cmd.Flags().Changed("max-bytes") {
			limits.MaxBytes = maxBytes
		}

		res, err := eviction.New(store, events.Discard, logOutput.Logger("eviction")).Enforce(ctx, limits)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Expired %d, evicted %d, freed %d bytes\n", res.Expired, res.Evicted, res.BytesFreed)
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats [key]",
	Short: "Show per-entry cache statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		var stats []db.CacheStats
		if len(args) == 1 {
			s, err := store.Stats(ctx, args[0])
			if err != nil {
				return err
			}
			stats = []db.CacheStats{*s}
		} else if stats, err = store.AllStats(ctx); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}

		total, err := store.TotalSize(ctx)
		if err != nil {
			return err
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("KEY", "SIZE", "HITS", "UPDATED", "EXPIRES")
		now := store.Now()
		for _, s := range stats {
			expires := "-"
			if s.ExpiresAt != nil {
				expires = s.ExpiresAt.Local().Format(time.DateTime)
				if !s.ExpiresAt.After(now) {
					expires = styles.warn.Render(expires + " (expired)")
				}
			}
			t.Row(s.Key, fmt.Sprint(s.SizeBytes), fmt.Sprint(s.AccessCount),
				s.LastUpdated.Local().Format(time.DateTime), expires)
		}
		fmt.Println(t)
		fmt.Printf("%d entries, %d bytes\n", len(stats), total)
		return nil
	},
}

// parseExpiry turns an --expires value into an absolute time. Empty means no
// expiry.
func parseExpiry(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(d)
		return &t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expiry %q: %w", s, err)
	}
	if r == nil {
		return nil, fmt.Errorf("unrecognized expiry %q", s)
	}
	if !r.Time.After(now) {
		return nil, fmt.Errorf("expiry %q is in the past", s)
	}
	t := r.Time
	return &t, nil
}

func init() {
	cachePutCmd.Flags().String("expires", "", `Expiry: RFC 3339 time, duration or phrase like "in 2 hours"`)
	cacheTouchCmd.Flags().String("expires", "", "New expiry (default: clear it)")
	cacheEvictCmd.Flags().Bool("all", false, "Remove every entry")
	cacheEvictCmd.Flags().Int("max-entries", 0, "Entry ceiling (default: sync.max_cache_entries)")
	cacheEvictCmd.Flags().Int64("max-bytes", 0, "Byte ceiling (default: sync.max_cache_bytes)")

	cacheCmd.AddCommand(cacheGetCmd, cachePutCmd, cacheTouchCmd, cacheEvictCmd, cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}
