// Package realtime streams firewall activity to WebSocket subscribers:
// transaction outcomes, alerts, session establishment and ledger appends.
//
// Every event carries a hub-assigned sequence number so a subscriber can
// spot gaps after a reconnect, and the hub keeps the last
// ReplayBufferSize events for subscribers that ask to be caught up.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/qff/internal/metrics"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	// ReplayBufferSize is how many recent events the hub retains.
	ReplayBufferSize = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType names a stream of firewall events.
type EventType string

const (
	EventOutcome     EventType = "transaction_outcome"
	EventAlert       EventType = "alert"
	EventSession     EventType = "quantum_session"
	EventLedgerEntry EventType = "ledger_entry"
)

// Event is one message on the stream.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// frame is an event together with its wire encoding.
type frame struct {
	event   *Event
	payload []byte
}

// Hub fans events out to subscribed clients.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	seq     uint64  // owned by Run
	history []frame // ring of the most recent frames, guarded by mu
	next    int

	totalEvents  atomic.Int64
	dropped      atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		history:    make([]frame, 0, ReplayBufferSize),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.dispatch(event)
		}
	}
}

// dispatch stamps, records and delivers one event. Clients whose send
// buffer is full are disconnected rather than allowed to stall the hub.
func (h *Hub) dispatch(event *Event) {
	h.seq++
	event.Seq = h.seq
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return
	}
	h.totalEvents.Add(1)
	f := frame{event: event, payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.remember(f)

	for client := range h.clients {
		sub := client.subscription()
		if !sub.Matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			h.dropped.Add(1)
			h.logger.Warn("dropping slow websocket client")
			h.removeLocked(client)
		}
	}
}

// remember must be called with mu held.
func (h *Hub) remember(f frame) {
	if len(h.history) < ReplayBufferSize {
		h.history = append(h.history, f)
		return
	}
	h.history[h.next] = f
	h.next = (h.next + 1) % ReplayBufferSize
}

// recent returns retained frames oldest first. Caller holds mu.
func (h *Hub) recent() []frame {
	if len(h.history) < ReplayBufferSize {
		return h.history
	}
	out := make([]frame, 0, ReplayBufferSize)
	out = append(out, h.history[h.next:]...)
	return append(out, h.history[:h.next]...)
}

// replayTo sends up to sub.Replay of the most recent matching events.
func (h *Hub) replayTo(c *Client, sub Subscription) {
	h.mu.RLock()
	var matched [][]byte
	for _, f := range h.recent() {
		if sub.Matches(f.event) {
			matched = append(matched, f.payload)
		}
	}
	h.mu.RUnlock()

	if len(matched) > sub.Replay {
		matched = matched[len(matched)-sub.Replay:]
	}
	for _, payload := range matched {
		if !h.trySend(c, payload) {
			return
		}
	}
}

// trySend queues data for c without blocking. It reports false when the
// client is gone or its buffer is full.
func (h *Hub) trySend(c *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// removeLocked must be called with mu held for writing.
func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues an event. It never blocks the caller; a full queue
// drops the event.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", event.Type)
	}
}

// Publish wraps data in an event of the given type and broadcasts it.
func (h *Hub) Publish(eventType EventType, data map[string]any) {
	h.Broadcast(&Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	n, retained := len(h.clients), len(h.history)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.dropped.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"retainedEvents":   retained,
	}
}

// HandleWebSocket upgrades the request and attaches a client that
// receives every event until it sends a Subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
