package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/events"
)

// StatsData holds counters accumulated from engine events
type StatsData struct {
	Queued           int `json:"queued"`
	Synced           int `json:"synced"`
	Failed           int `json:"failed"`
	RetriesExhausted int `json:"retries_exhausted"`
	ChangesApplied   int `json:"changes_applied"`
	ChangesRejected  int `json:"changes_rejected"`
	Evicted          int `json:"evicted"`
	Cycles           int `json:"cycles"`
}

// Handler turns engine events into dashboard messages and forwards them to
// the server. It also keeps running counters and periodically broadcasts a
// health snapshot.
type Handler struct {
	server *Server
	health HealthSource
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server.
// health may be nil.
func NewHandler(server *Server, health HealthSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, health: health, logger: logger}
}

// Run forwards events from bus until ctx is cancelled or the bus closes.
// A positive healthInterval also broadcasts a health snapshot on that period.
func (h *Handler) Run(ctx context.Context, bus *events.Bus, healthInterval time.Duration) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	var tick <-chan time.Time
	if healthInterval > 0 && h.health != nil {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.OnEvent(e)
		case <-tick:
			h.BroadcastHealth(ctx)
		}
	}
}

// OnEvent records e in the counters and broadcasts it.
func (h *Handler) OnEvent(e events.Event) {
	msgType := messageType(e.Type)
	if msgType == "" {
		return
	}
	h.count(e)

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: msgType, Timestamp: e.Timestamp, Data: data})

	switch e.Type {
	case events.SyncCompleted, events.QueueCleared, events.EntriesEvicted:
		h.broadcastStats()
	}
}

// messageType maps an event type to its dashboard message type.
func messageType(t events.Type) MessageType {
	switch t {
	case events.StatusChanged, events.ConnectivityState:
		return MessageTypeStatus
	case events.EntriesEvicted:
		return MessageTypeCache
	}
	prefix, _, _ := strings.Cut(string(t), ".")
	switch prefix {
	case "queue":
		return MessageTypeQueueUpdate
	case "sync":
		return MessageTypeSyncUpdate
	case "retry":
		return MessageTypeRetryUpdate
	case "reconcile":
		return MessageTypeChange
	}
	return ""
}

func (h *Handler) count(e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch e.Type {
	case events.OperationQueued:
		h.stats.Queued++
	case events.OperationSynced:
		h.stats.Synced++
	case events.OperationFailed:
		h.stats.Failed++
	case events.RetryExhausted:
		h.stats.RetriesExhausted++
	case events.ChangeApplied:
		h.stats.ChangesApplied++
	case events.ChangeRejected:
		h.stats.ChangesRejected++
	case events.SyncCompleted:
		h.stats.Cycles++
	case events.EntriesEvicted:
		h.stats.Evicted += intField(e.Fields, "count")
	}
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (h *Handler) broadcastStats() {
	stats := h.Stats()
	data, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
}

// BroadcastHealth sends the current health snapshot to all clients.
func (h *Handler) BroadcastHealth(ctx context.Context) {
	if h.health == nil {
		return
	}
	snapshot, err := h.health.Health(ctx)
	if err != nil {
		h.logger.Printf("Failed to read health: %v", err)
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Printf("Failed to marshal health: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeHealth, Timestamp: snapshot.Timestamp, Data: data})
}

// Stats returns the current counters
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
