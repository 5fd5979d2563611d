package remote

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Prober reports backend reachability by polling {BaseURL}/health.
type Prober struct {
	endpoint string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger

	changes chan bool

	mu    sync.Mutex
	known bool
	last  bool
}

// NewProber creates a prober. interval is the polling period of Run.
func NewProber(baseURL string, interval time.Duration, logger *log.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Prober{
		endpoint: strings.TrimRight(baseURL, "/") + "/health",
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		changes:  make(chan bool, 1),
	}
}

// IsConnected performs one health check.
func (p *Prober) IsConnected(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Changes delivers the new state whenever reachability flips. Only the
// latest state is buffered.
func (p *Prober) Changes() <-chan bool {
	return p.changes
}

// Run polls until ctx is cancelled, publishing transitions on Changes.
// The first observation is always published.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		online := p.IsConnected(ctx)
		if ctx.Err() != nil {
			return
		}
		p.observe(online)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) observe(online bool) {
	p.mu.Lock()
	changed := !p.known || p.last != online
	p.known, p.last = true, online
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Printf("Backend reachable: %v", online)
	// Replace a stale unread state with the newest one.
	select {
	case <-p.changes:
	default:
	}
	select {
	case p.changes <- online:
	default:
	}
}
