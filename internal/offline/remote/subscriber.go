package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Mschirtzinger/offsync/internal/offline/reconcile"
)

// Subscriber receives realtime change notifications over a websocket and
// reconnects with exponential backoff when the connection drops.
type Subscriber struct {
	url        string
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *log.Logger

	changes chan reconcile.Change
}

// NewSubscriber creates a subscriber for the websocket endpoint url
// (ws:// or wss://).
func NewSubscriber(url string, logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Subscriber{
		url:        url,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		logger:     logger,
		changes:    make(chan reconcile.Change, 64),
	}
}

// SetBackoff overrides the reconnect delay bounds.
func (s *Subscriber) SetBackoff(min, max time.Duration) {
	s.minBackoff, s.maxBackoff = min, max
}

// Changes delivers decoded notifications. It is closed when Run returns.
func (s *Subscriber) Changes() <-chan reconcile.Change {
	return s.changes
}

// Run connects and reads until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.changes)

	backoff := s.minBackoff
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = s.minBackoff
		}
		s.logger.Printf("Realtime connection lost: %v (reconnecting in %s)", err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// session handles one connection. It returns nil if at least one message
// was received before the connection ended.
func (s *Subscriber) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)
	s.logger.Printf("Realtime connected to %s", s.url)

	received := false
	for {
		var change reconcile.Change
		if err := wsjson.Read(ctx, conn, &change); err != nil {
			if received {
				return nil
			}
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("closed by server: %s", closeErr.Code)
			}
			return err
		}
		received = true

		select {
		case s.changes <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
