package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Control and event message types
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscribe             = "subscribe"
	TypeSubscribed            = "subscribed"
	TypeUnsubscribe           = "unsubscribe"
	TypeUnsubscribed          = "unsubscribed"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeSyncMetrics           = "sync_metrics"
)

// Event is the JSON envelope of every hub message
type Event struct {
	Type        string      `json:"type"`
	Marketplace string      `json:"marketplace,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Data        interface{} `json:"data,omitempty"`
}

// MetricsSource produces the payload of the periodic sync_metrics broadcast
type MetricsSource func() interface{}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// Registered clients map: ClientID -> Client
	clients map[string]*Client

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// closed when Run returns
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	// serializes Publish so every client sees one order
	publishMu sync.Mutex

	sendBuffer      int
	metrics         MetricsSource
	metricsInterval time.Duration

	dropped   atomic.Int64
	published atomic.Int64

	logger *zap.Logger
}

// NewHub creates a new Hub instance. sendBuffer is the per-client queue
// length; a full queue drops events for that client.
func NewHub(sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		sendBuffer: sendBuffer,
		logger:     logger.With(zap.String("component", "websocket_hub")),
	}
}

// SetMetricsSource enables the periodic sync_metrics broadcast. Must be
// called before Run.
func (h *Hub) SetMetricsSource(interval time.Duration, source MetricsSource) {
	h.metricsInterval = interval
	h.metrics = source
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var tick <-chan time.Time
	if h.metrics != nil && h.metricsInterval > 0 {
		ticker := time.NewTicker(h.metricsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Debug("📱 client connected", zap.String("client_id", client.ID))
			h.sendTo(client, Event{Type: TypeConnectionEstablished, Timestamp: time.Now(), Data: map[string]string{"connection_id": client.ID}})

		case client := <-h.unregister:
			h.remove(client)

		case <-tick:
			h.Publish("", TypeSyncMetrics, h.metrics())

		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[client.ID]; ok && current == client {
		delete(h.clients, client.ID)
		close(client.send)
		h.logger.Debug("📴 client disconnected", zap.String("client_id", client.ID))
	}
}

// Publish sends an event to every client subscribed to the marketplace. An
// empty marketplace reaches every client. Publish never blocks: clients
// with a full queue miss the event.
func (h *Hub) Publish(marketplace string, eventType string, payload interface{}) {
	msg, err := json.Marshal(Event{Type: eventType, Marketplace: marketplace, Timestamp: time.Now(), Data: payload})
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if marketplace != "" && !c.Subscribed(marketplace) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// Buffer full or client dead
			h.dropped.Add(1)
		}
	}
}

// sendTo queues a control message for one client if it is still registered
func (h *Hub) sendTo(c *Client, ev Event) bool {
	msg, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if current, ok := h.clients[c.ID]; !ok || current != c {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats reports delivery counters
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"clients":   int64(h.ClientCount()),
		"published": h.published.Load(),
		"dropped":   h.dropped.Load(),
	}
}
