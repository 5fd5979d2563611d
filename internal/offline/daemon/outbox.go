package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

// RejectedDir is the outbox subdirectory invalid files are moved to.
const RejectedDir = "rejected"

// OutboxWatcher watches a directory for *.json mutation files. Each file is
// handed to the apply function once it has been quiet for the debounce
// interval; applied files are deleted and failed ones are moved to the
// rejected subdirectory.
type OutboxWatcher struct {
	dir      string
	debounce time.Duration
	apply    func(path string) error
	logger   *log.Logger

	watcher *fsnotify.Watcher

	pending   map[string]time.Time // path -> last event
	pendingMu sync.Mutex

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewOutboxWatcher creates a watcher for dir. The watcher must be started
// with Start before it processes files.
func NewOutboxWatcher(dir string, debounce time.Duration, apply func(path string) error, logger *log.Logger) (*OutboxWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("outbox dir cannot be empty")
	}
	if apply == nil {
		return nil, fmt.Errorf("apply function cannot be nil")
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &OutboxWatcher{
		dir:      dir,
		debounce: debounce,
		apply:    apply,
		logger:   logger,
		watcher:  watcher,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start creates the outbox, queues files already present and begins
// watching.
func (ow *OutboxWatcher) Start() error {
	ow.mu.Lock()
	defer ow.mu.Unlock()

	if ow.running {
		return fmt.Errorf("watcher already running")
	}

	if err := os.MkdirAll(filepath.Join(ow.dir, RejectedDir), 0755); err != nil {
		return fmt.Errorf("failed to create outbox %s: %w", ow.dir, err)
	}
	if err := ow.watcher.Add(ow.dir); err != nil {
		return fmt.Errorf("failed to watch outbox %s: %w", ow.dir, err)
	}

	existing, err := filepath.Glob(filepath.Join(ow.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to scan outbox: %w", err)
	}
	// Backdate so leftovers are processed on the first tick.
	past := time.Now().Add(-ow.debounce)
	for _, path := range existing {
		ow.queue(path, past)
	}

	ow.running = true
	ow.wg.Add(2)
	go ow.processEvents()
	go ow.processQueue()
	return nil
}

// Stop stops watching and waits for the loops to exit.
func (ow *OutboxWatcher) Stop() error {
	ow.mu.Lock()
	if !ow.running {
		ow.mu.Unlock()
		return ow.watcher.Close()
	}
	ow.running = false
	ow.mu.Unlock()

	close(ow.done)
	if err := ow.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	ow.wg.Wait()
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (ow *OutboxWatcher) IsRunning() bool {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	return ow.running
}

func (ow *OutboxWatcher) processEvents() {
	defer ow.wg.Done()

	for {
		select {
		case <-ow.done:
			return

		case event, ok := <-ow.watcher.Events:
			if !ok {
				return
			}
			// Removals are our own cleanup.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") || filepath.Dir(event.Name) != filepath.Clean(ow.dir) {
				continue
			}
			ow.queue(event.Name, time.Now())

		case err, ok := <-ow.watcher.Errors:
			if !ok {
				return
			}
			ow.logger.Printf("Outbox watcher error: %v", err)
		}
	}
}

func (ow *OutboxWatcher) queue(path string, at time.Time) {
	ow.pendingMu.Lock()
	defer ow.pendingMu.Unlock()
	ow.pending[path] = at
}

func (ow *OutboxWatcher) processQueue() {
	defer ow.wg.Done()

	ticker := time.NewTicker(ow.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ow.done:
			return
		case <-ticker.C:
			ow.processPending()
		}
	}
}

// processPending applies files that have been quiet for long enough.
func (ow *OutboxWatcher) processPending() {
	now := time.Now()

	ow.pendingMu.Lock()
	var ready []string
	for path, at := range ow.pending {
		if now.Sub(at) < ow.debounce {
			continue
		}
		ready = append(ready, path)
		delete(ow.pending, path)
	}
	ow.pendingMu.Unlock()

	for _, path := range ready {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		err := ow.apply(path)
		if errors.Is(err, ErrDisposed) {
			// Leave it for the next run.
			continue
		}
		if err != nil {
			ow.logger.Printf("Rejected outbox file %s: %v", filepath.Base(path), err)
			ow.reject(path, err)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			ow.logger.Printf("Error removing outbox file %s: %v", path, err)
		}
	}
}

// reject moves path into the rejected directory with the error beside it.
func (ow *OutboxWatcher) reject(path string, cause error) {
	target := filepath.Join(ow.dir, RejectedDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		ow.logger.Printf("Error moving %s to %s: %v", path, target, err)
		return
	}
	_ = os.WriteFile(target+".error", []byte(cause.Error()+"\n"), 0644)
}

// applyOutboxFile parses a mutation envelope and writes it through the
// daemon.
func (d *Daemon) applyOutboxFile(path string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	m, err := schema.ParseEnvelope(doc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	op, err := d.Write(ctx, m)
	if err != nil {
		return err
	}
	if op == nil {
		return ErrDisposed
	}
	d.config.Logger.Printf("Queued %s %s/%s from outbox", op.Kind, op.Table, m.ID)
	return nil
}
