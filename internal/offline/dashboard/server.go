// Package dashboard serves a live view of the sync engine over WebSocket.
//
// Engine events are relayed to every connected client as JSON messages. The
// latest status, stats and health messages are retained so a client that
// joins late starts from the current state, and GET /snapshot returns the
// same retained set to plain HTTP callers.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
)

// MessageType names a dashboard message.
type MessageType string

const (
	MessageTypeWelcome     MessageType = "welcome"      // first frame on every connection
	MessageTypeQueueUpdate MessageType = "queue_update" // operation queued, removed or queue cleared
	MessageTypeSyncUpdate  MessageType = "sync_update"  // cycle or submission finished
	MessageTypeRetryUpdate MessageType = "retry_update"
	MessageTypeChange      MessageType = "change" // realtime change applied or rejected
	MessageTypeCache       MessageType = "cache"
	MessageTypeStatus      MessageType = "status"
	MessageTypeStats       MessageType = "stats"
	MessageTypeHealth      MessageType = "health"
)

// retained lists the message types replayed to joining clients.
var retained = []MessageType{MessageTypeStatus, MessageTypeStats, MessageTypeHealth}

func isRetained(t MessageType) bool {
	for _, r := range retained {
		if r == t {
			return true
		}
	}
	return false
}

// Message is one dashboard frame. Seq increases by one per broadcast so a
// client can tell when it missed frames.
type Message struct {
	Type      MessageType     `json:"type"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WelcomeData is the payload of the welcome frame.
type WelcomeData struct {
	Clients int    `json:"clients"`
	LastSeq uint64 `json:"last_seq"`
}

// HealthSource provides health snapshots.
type HealthSource interface {
	Health(ctx context.Context) (daemon.Health, error)
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on. Port 0 picks a free port.
	Addr string

	// Health answers /health when set.
	Health HealthSource

	// ClientBuffer is the number of frames queued per client before the
	// client is dropped as too slow.
	ClientBuffer int

	Logger *log.Logger
}

// DefaultConfig returns the loopback listener configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:8080",
		ClientBuffer: 64,
		Logger:       log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server relays dashboard messages to WebSocket clients. A single hub
// goroutine owns the client set; each client has its own writer.
type Server struct {
	addr     string
	health   HealthSource
	buffer   int
	logger   *log.Logger
	listener net.Listener
	http     *http.Server

	join     chan *client
	leave    chan *client
	messages chan Message

	seq     atomic.Uint64
	clients atomic.Int32

	lastMu sync.RWMutex
	last   map[MessageType]Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server. A nil config uses DefaultConfig.
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	s := &Server{
		addr:     config.Addr,
		health:   config.Health,
		buffer:   config.ClientBuffer,
		logger:   config.Logger,
		join:     make(chan *client),
		leave:    make(chan *client),
		messages: make(chan Message, 256),
		last:     make(map[MessageType]Message),
	}
	if s.addr == "" {
		s.addr = defaults.Addr
	}
	if s.buffer <= 0 {
		s.buffer = defaults.ClientBuffer
	}
	if s.logger == nil {
		s.logger = defaults.Logger
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start listens on the configured address and serves /ws, /health,
// /snapshot and an index page.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWebSocket)
	mux.HandleFunc("GET /health", s.serveHealth)
	mux.HandleFunc("GET /snapshot", s.serveSnapshot)
	mux.HandleFunc("GET /{$}", s.serveIndex)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.hub()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every client without blocking. The message is
// dropped when the queue is full or the server is stopping.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.messages <- msg:
	default:
		s.logger.Printf("Dashboard queue full, dropping %s message", msg.Type)
	}
}

// hub owns the client set: it admits and drops clients and fans messages
// out to their writers.
func (s *Server) hub() {
	defer s.wg.Done()
	members := make(map[*client]struct{})
	drop := func(c *client) {
		if _, ok := members[c]; !ok {
			return
		}
		delete(members, c)
		close(c.send)
		s.clients.Store(int32(len(members)))
	}

	for {
		select {
		case <-s.ctx.Done():
			for c := range members {
				drop(c)
			}
			return

		case c := <-s.join:
			members[c] = struct{}{}
			s.clients.Store(int32(len(members)))
			welcome, _ := json.Marshal(WelcomeData{Clients: len(members), LastSeq: s.seq.Load()})
			greeting := append([]Message{{Type: MessageTypeWelcome, Timestamp: time.Now(), Data: welcome}}, s.Snapshot()...)
			for _, msg := range greeting {
				if !s.enqueue(c, msg, drop) {
					break
				}
			}
			s.logger.Printf("Dashboard client joined (%d connected)", len(members))

		case c := <-s.leave:
			if _, ok := members[c]; ok {
				drop(c)
				s.logger.Printf("Dashboard client left (%d connected)", len(members))
			}

		case msg := <-s.messages:
			msg.Seq = s.seq.Add(1)
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			if isRetained(msg.Type) {
				s.lastMu.Lock()
				s.last[msg.Type] = msg
				s.lastMu.Unlock()
			}
			for c := range members {
				s.enqueue(c, msg, drop)
			}
		}
	}
}

// enqueue hands msg to c's writer. It reports false when c was dropped
// because its buffer is full.
func (s *Server) enqueue(c *client, msg Message, drop func(*client)) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		s.logger.Printf("Dropping slow dashboard client")
		drop(c)
		return false
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, s.buffer)}
	select {
	case s.join <- c:
	case <-s.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "dashboard stopping")
		return
	}

	go s.readFrom(c)
	s.writeTo(c)
}

// writeTo drains c's buffer until the hub closes it.
func (s *Server) writeTo(c *client) {
	for frame := range c.send {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			s.release(c)
			break
		}
	}
	for range c.send {
	}

	if s.ctx.Err() != nil {
		_ = c.conn.Close(websocket.StatusGoingAway, "dashboard stopping")
		return
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// readFrom discards client frames and reports the disconnect.
func (s *Server) readFrom(c *client) {
	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			s.release(c)
			return
		}
	}
}

func (s *Server) release(c *client) {
	select {
	case s.leave <- c:
	case <-s.ctx.Done():
	}
}

// serveHealth returns the engine health snapshot, or a liveness answer when
// no source is configured. A disposed engine or a failed read is a 503.
func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.ClientCount()})
		return
	}

	h, err := s.health.Health(r.Context())
	switch {
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
	case h.Disposed:
		writeJSON(w, http.StatusServiceUnavailable, h)
	default:
		writeJSON(w, http.StatusOK, h)
	}
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"seq":      s.seq.Load(),
		"clients":  s.ClientCount(),
		"messages": s.Snapshot(),
	})
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>offsync</title></head>
<body>
<h1>offsync</h1>
<ul>
<li>Live events: <code>ws://%[1]s/ws</code></li>
<li>Engine health: <a href="/health">/health</a></li>
<li>Latest status, stats and health: <a href="/snapshot">/snapshot</a></li>
</ul>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Snapshot returns the retained messages in a fixed order.
func (s *Server) Snapshot() []Message {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	out := make([]Message, 0, len(retained))
	for _, t := range retained {
		if msg, ok := s.last[t]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return int(s.clients.Load())
}
