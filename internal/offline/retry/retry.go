// Package retry schedules resubmission of failed operations with exponential
// backoff and jitter.
//
// Each operation id has at most one outstanding timer. When the timer fires
// the retry function runs; on failure the scheduler arms the next attempt
// until MaxRetries attempts have been made, then gives up and reports the
// operation as exhausted. The scheduler never touches the pending queue:
// an exhausted operation stays queued for the caller to retry or drop.
package retry

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/events"
)

// Func is one retry attempt. A nil error ends the retry cycle.
type Func func(ctx context.Context) error

// Config holds configuration for the scheduler.
type Config struct {
	// BaseDelay is the delay before the first attempt, before jitter
	BaseDelay time.Duration

	// MaxDelay caps every computed delay
	MaxDelay time.Duration

	// MaxRetries is the number of attempts made before giving up
	MaxRetries int

	// Multiplier grows the delay between attempts
	Multiplier float64

	// Jitter returns a factor in [0.5, 1.0]
	Jitter func() float64

	// OnExhausted is called, outside the scheduler lock, when an operation
	// runs out of attempts
	OnExhausted func(RetryInfo)

	// Publisher receives retry events
	Publisher events.Publisher

	// Logger for retry activity
	Logger *log.Logger
}

// DefaultConfig returns the default backoff policy.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
		MaxRetries: 3,
		Multiplier: 2.0,
		Jitter:     DefaultJitter,
		Publisher:  events.Discard,
		Logger:     log.New(os.Stderr, "[retry] ", log.LstdFlags),
	}
}

// DefaultJitter draws uniformly from [0.5, 1.0].
func DefaultJitter() float64 {
	return 0.5 + rand.Float64()*0.5
}

// RetryInfo is the bookkeeping of one operation.
type RetryInfo struct {
	OperationID  string     `json:"operation_id"`
	AttemptCount int        `json:"attempt_count"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	NextRetry    *time.Time `json:"next_retry,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Counters are cumulative scheduler totals.
type Counters struct {
	Scheduled uint64 `json:"scheduled"`
	Succeeded uint64 `json:"succeeded"`
	Exhausted uint64 `json:"exhausted"`
	Cancelled uint64 `json:"cancelled"`
}

// Statistics is a snapshot of the scheduler.
type Statistics struct {
	Active    map[string]RetryInfo `json:"active"`
	Exhausted map[string]RetryInfo `json:"exhausted"`
	Counters  Counters             `json:"counters"`
}

type entry struct {
	info  RetryInfo
	fn    Func
	timer *time.Timer
}

// Scheduler owns every outstanding retry timer.
type Scheduler struct {
	config *Config

	mu        sync.Mutex
	entries   map[string]*entry
	exhausted map[string]RetryInfo
	counters  Counters
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Zero fields of config take their defaults.
func New(config *Config) *Scheduler {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	c := *config
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter == nil {
		c.Jitter = def.Jitter
	}
	if c.Publisher == nil {
		c.Publisher = def.Publisher
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:    &c,
		entries:   make(map[string]*entry),
		exhausted: make(map[string]RetryInfo),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Delay returns the backoff before the given attempt (starting at 1):
// min(base * multiplier^(attempt-1) * jitter, max).
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	j := s.config.Jitter()
	if j < 0.5 {
		j = 0.5
	} else if j > 1 {
		j = 1
	}
	d := float64(s.config.BaseDelay) * math.Pow(s.config.Multiplier, float64(attempt-1)) * j
	if d >= float64(s.config.MaxDelay) {
		return s.config.MaxDelay
	}
	return time.Duration(d)
}

// MaxRetries returns the configured attempt limit.
func (s *Scheduler) MaxRetries() int {
	return s.config.MaxRetries
}

// ScheduleRetry arms the first retry of id. It returns false when the
// scheduler is stopped, and true without rearming when id is already
// being retried.
func (s *Scheduler) ScheduleRetry(id string, fn Func) bool {
	return s.ResumeRetry(id, 0, fn)
}

// ResumeRetry is ScheduleRetry for an operation that already used
// attemptsMade attempts, e.g. before a restart. It returns false without
// scheduling when no attempts are left.
func (s *Scheduler) ResumeRetry(id string, attemptsMade int, fn Func) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.entries[id]; ok {
		s.mu.Unlock()
		return true
	}
	delete(s.exhausted, id)

	e := &entry{info: RetryInfo{OperationID: id, AttemptCount: attemptsMade}, fn: fn}
	s.entries[id] = e
	scheduled, info := s.armLocked(e)
	s.mu.Unlock()

	if !scheduled {
		s.notifyExhausted(info)
	}
	return scheduled
}

// armLocked starts the timer for the next attempt of e, or moves e to the
// exhausted set when the next attempt would exceed MaxRetries.
func (s *Scheduler) armLocked(e *entry) (bool, RetryInfo) {
	next := e.info.AttemptCount + 1
	if next > s.config.MaxRetries {
		delete(s.entries, e.info.OperationID)
		e.info.NextRetry = nil
		s.exhausted[e.info.OperationID] = e.info
		s.counters.Exhausted++
		return false, e.info
	}

	e.info.AttemptCount = next
	delay := s.Delay(next)
	at := time.Now().Add(delay)
	e.info.NextRetry = &at
	e.timer = time.AfterFunc(delay, func() { s.fire(e) })
	s.counters.Scheduled++

	s.config.Publisher.Publish(events.Event{
		Type:        events.RetryScheduled,
		OperationID: e.info.OperationID,
		Message:     fmt.Sprintf("attempt %d in %s", next, delay),
		Fields:      map[string]any{"attempt": next, "delay_ms": delay.Milliseconds()},
	})
	return true, e.info
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	if s.stopped || s.entries[e.info.OperationID] != e {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	now := time.Now()
	e.info.LastAttempt = &now
	e.info.NextRetry = nil
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	defer s.wg.Done()
	err := e.fn(ctx)

	s.mu.Lock()
	if s.stopped || s.entries[e.info.OperationID] != e {
		// Cancelled while running.
		s.mu.Unlock()
		return
	}

	if err == nil {
		delete(s.entries, e.info.OperationID)
		s.counters.Succeeded++
		attempt := e.info.AttemptCount
		s.mu.Unlock()
		s.config.Publisher.Publish(events.Event{
			Type:        events.RetrySucceeded,
			OperationID: e.info.OperationID,
			Fields:      map[string]any{"attempt": attempt},
		})
		return
	}

	e.info.LastError = err.Error()
	s.config.Logger.Printf("Retry %d/%d of %s failed: %v",
		e.info.AttemptCount, s.config.MaxRetries, e.info.OperationID, err)
	scheduled, info := s.armLocked(e)
	s.mu.Unlock()

	if !scheduled {
		s.notifyExhausted(info)
	}
}

func (s *Scheduler) notifyExhausted(info RetryInfo) {
	s.config.Logger.Printf("Giving up on %s after %d attempts", info.OperationID, info.AttemptCount)
	s.config.Publisher.Publish(events.Event{
		Type:        events.RetryExhausted,
		OperationID: info.OperationID,
		Message:     info.LastError,
		Fields:      map[string]any{"attempts": info.AttemptCount},
	})
	if s.config.OnExhausted != nil {
		s.config.OnExhausted(info)
	}
}

// CancelRetry stops the timer of id and discards its bookkeeping. A
// callback already running finishes, but its outcome is ignored.
func (s *Scheduler) CancelRetry(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
		s.counters.Cancelled++
	}
	delete(s.exhausted, id)
	s.mu.Unlock()

	if ok {
		s.config.Publisher.Publish(events.Event{Type: events.RetryCancelled, OperationID: id})
	}
	return ok
}

// IsRetrying reports whether id has an outstanding or running attempt.
func (s *Scheduler) IsRetrying(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Statistics returns a snapshot of active and exhausted operations.
func (s *Scheduler) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{
		Active:    make(map[string]RetryInfo, len(s.entries)),
		Exhausted: make(map[string]RetryInfo, len(s.exhausted)),
		Counters:  s.counters,
	}
	for id, e := range s.entries {
		stats.Active[id] = e.info
	}
	for id, info := range s.exhausted {
		stats.Exhausted[id] = info
	}
	return stats
}

// Stop cancels every timer and waits for running callbacks. Later calls to
// ScheduleRetry return false.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
