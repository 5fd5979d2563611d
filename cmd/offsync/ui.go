package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
	"github.com/Mschirtzinger/offsync/internal/offline/remote"
)

type uiStyles struct {
	title lipgloss.Style
	label lipgloss.Style
	pass  lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
	muted lipgloss.Style
}

var styles = uiStyles{
	title: lipgloss.NewStyle().Bold(true).Underline(true),
	label: lipgloss.NewStyle().Width(22).Foreground(lipgloss.Color("12")),
	pass:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	fail:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	muted: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
}

func init() {
	if !isTerminal() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func isInteractive() bool {
	return isTerminal() && term.IsTerminal(int(os.Stdin.Fd()))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(label string, value any) {
	fmt.Printf("%s %v\n", styles.label.Render(label), value)
}

// probe sets the daemon's online state from one connectivity check. Commands
// that never start the daemon use it before talking to the backend.
func probe(ctx context.Context, d *daemon.Daemon) error {
	if cfg.Backend.URL == "" {
		d.SetOnline(false)
		return errNoBackend
	}
	p := remote.NewProber(cfg.Backend.URL, cfg.Backend.ProbeInterval, logOutput.Logger("prober"))
	d.SetOnline(p.IsConnected(ctx))
	return nil
}

func statusStyle(s daemon.Status) lipgloss.Style {
	switch s {
	case daemon.StatusIdle:
		return styles.pass
	case daemon.StatusSyncing, daemon.StatusOffline:
		return styles.warn
	default:
		return styles.fail
	}
}
