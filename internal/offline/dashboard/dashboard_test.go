package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/offsync/internal/offline/daemon"
	"github.com/Mschirtzinger/offsync/internal/offline/events"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startServer(t *testing.T, health HealthSource) *Server {
	t.Helper()
	server := NewServer(&Config{Addr: "127.0.0.1:0", Health: health, Logger: testLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeWelcome {
		t.Fatalf("Expected welcome message, got %s", msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: testLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "127.0.0.1:0" {
		t.Fatal("Expected a resolved listen address")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestMultipleClientsReceiveBroadcast(t *testing.T) {
	server := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server), dial(t, ctx, server)}
	waitFor(t, func() bool { return server.ClientCount() == len(clients) })

	server.Broadcast(Message{Type: MessageTypeSyncUpdate, Data: json.RawMessage(`{"synced":2}`)})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeSyncUpdate {
			t.Errorf("client %d: expected %s, got %s", i, MessageTypeSyncUpdate, msg.Type)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("client %d: expected a timestamp", i)
		}
		if string(msg.Data) != `{"synced":2}` {
			t.Errorf("client %d: unexpected data %s", i, msg.Data)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	waitFor(t, func() bool { return server.ClientCount() == 1 })

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return server.ClientCount() == 0 })
}

type stubHealth struct {
	health daemon.Health
	err    error
}

func (s stubHealth) Health(context.Context) (daemon.Health, error) {
	return s.health, s.err
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		source     HealthSource
		wantStatus int
	}{
		{"no source", nil, http.StatusOK},
		{"healthy", stubHealth{health: daemon.Health{Initialized: true, IsOnline: true, PendingOperations: 4}}, http.StatusOK},
		{"disposed", stubHealth{health: daemon.Health{Disposed: true}}, http.StatusServiceUnavailable},
		{"error", stubHealth{err: errors.New("store closed")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, tt.source)
			resp, err := http.Get("http://" + server.Addr() + "/health")
			if err != nil {
				t.Fatalf("GET /health: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}

			if tt.name == "healthy" {
				var h daemon.Health
				if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
					t.Fatalf("Failed to decode health: %v", err)
				}
				if h.PendingOperations != 4 || !h.IsOnline {
					t.Errorf("Unexpected health body: %+v", h)
				}
			}
		})
	}
}

func TestHandlerForwardsEvents(t *testing.T) {
	server := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	waitFor(t, func() bool { return server.ClientCount() == 1 })

	bus := events.NewBus()
	defer bus.Close()
	handler := NewHandler(server, nil, testLogger())

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.Run(runCtx, bus, 0)
	}()
	waitFor(t, func() bool {
		// Subscribed once a warm-up event is counted.
		bus.Publish(events.Event{Type: events.OperationQueued, OperationID: "warm-up"})
		return handler.Stats().Queued > 0
	})
	bus.Publish(events.Event{Type: events.EntriesEvicted, Fields: map[string]any{"count": 3}})

	// Warm-up updates may still be queued ahead of these.
	var sawCache, sawStats bool
	for !(sawCache && sawStats) {
		msg := readMessage(t, ctx, conn)
		switch msg.Type {
		case MessageTypeCache:
			sawCache = true
		case MessageTypeStats:
			var stats StatsData
			if err := json.Unmarshal(msg.Data, &stats); err != nil {
				t.Fatalf("Failed to decode stats: %v", err)
			}
			if stats.Evicted != 3 {
				t.Errorf("Expected 3 evicted, got %d", stats.Evicted)
			}
			sawStats = true
		}
	}

	stop()
	<-done
}

func TestMessageType(t *testing.T) {
	tests := []struct {
		event events.Type
		want  MessageType
	}{
		{events.OperationQueued, MessageTypeQueueUpdate},
		{events.QueueCleared, MessageTypeQueueUpdate},
		{events.SyncCompleted, MessageTypeSyncUpdate},
		{events.OperationFailed, MessageTypeSyncUpdate},
		{events.RetryExhausted, MessageTypeRetryUpdate},
		{events.ChangeRejected, MessageTypeChange},
		{events.EntriesEvicted, MessageTypeCache},
		{events.StatusChanged, MessageTypeStatus},
		{events.ConnectivityState, MessageTypeStatus},
		{events.Type("unknown"), ""},
	}
	for _, tt := range tests {
		if got := messageType(tt.event); got != tt.want {
			t.Errorf("messageType(%s) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestHandlerCounts(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: testLogger()})
	handler := NewHandler(server, nil, testLogger())

	for _, e := range []events.Event{
		{Type: events.OperationQueued},
		{Type: events.OperationSynced},
		{Type: events.OperationFailed},
		{Type: events.RetryExhausted},
		{Type: events.ChangeApplied},
		{Type: events.ChangeRejected},
		{Type: events.SyncCompleted},
		{Type: events.EntriesEvicted, Fields: map[string]any{"count": 2}},
	} {
		handler.OnEvent(e)
	}

	want := StatsData{Queued: 1, Synced: 1, Failed: 1, RetriesExhausted: 1, ChangesApplied: 1, ChangesRejected: 1, Evicted: 2, Cycles: 1}
	if got := handler.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestMessagesCarrySequence(t *testing.T) {
	server := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	waitFor(t, func() bool { return server.ClientCount() == 1 })

	server.Broadcast(Message{Type: MessageTypeQueueUpdate})
	server.Broadcast(Message{Type: MessageTypeSyncUpdate})

	first := readMessage(t, ctx, conn)
	second := readMessage(t, ctx, conn)
	if first.Seq == 0 || second.Seq != first.Seq+1 {
		t.Errorf("Expected consecutive sequence numbers, got %d then %d", first.Seq, second.Seq)
	}
}

func TestLateClientReceivesRetainedMessages(t *testing.T) {
	server := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server.Broadcast(Message{Type: MessageTypeStats, Data: json.RawMessage(`{"synced":1}`)})
	server.Broadcast(Message{Type: MessageTypeSyncUpdate})
	server.Broadcast(Message{Type: MessageTypeStatus, Data: json.RawMessage(`{"message":"idle"}`)})
	waitFor(t, func() bool { return len(server.Snapshot()) == 2 })

	conn := dial(t, ctx, server)
	status := readMessage(t, ctx, conn)
	stats := readMessage(t, ctx, conn)
	if status.Type != MessageTypeStatus || stats.Type != MessageTypeStats {
		t.Fatalf("Expected status then stats replay, got %s then %s", status.Type, stats.Type)
	}
	if string(stats.Data) != `{"synced":1}` {
		t.Errorf("Unexpected stats replay %s", stats.Data)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	server := startServer(t, nil)
	server.Broadcast(Message{Type: MessageTypeCache})
	server.Broadcast(Message{Type: MessageTypeHealth, Data: json.RawMessage(`{"is_online":true}`)})
	waitFor(t, func() bool { return len(server.Snapshot()) == 1 })

	resp, err := http.Get("http://" + server.Addr() + "/snapshot")
	if err != nil {
		t.Fatalf("GET /snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Seq      uint64    `json:"seq"`
		Messages []Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if body.Seq != 2 {
		t.Errorf("Expected seq 2, got %d", body.Seq)
	}
	if len(body.Messages) != 1 || body.Messages[0].Type != MessageTypeHealth {
		t.Errorf("Unexpected retained messages %+v", body.Messages)
	}
}

func TestIndexPage(t *testing.T) {
	server := startServer(t, nil)
	resp, err := http.Get("http://" + server.Addr() + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Unexpected content type %q", ct)
	}

	resp, err = http.Get("http://" + server.Addr() + "/missing")
	if err != nil {
		t.Fatalf("GET /missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}
