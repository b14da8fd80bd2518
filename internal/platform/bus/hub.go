package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opchart/opchart/internal/platform/telemetry"
)

// Client represents a single subscriber connection. SessionID identifies the
// device session for origin exclusion; one user may hold several sessions.
type Client struct {
	SessionID string
	Topics    []string
	Send      chan []byte
	conn      Conn
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ClientMessage represents an inbound message from a subscriber.
type ClientMessage struct {
	Action  string   `json:"action"`
	Records []string `json:"records"`
}

// Relay forwards locally published events to other server instances.
type Relay interface {
	Forward(event Event)
}

// Hub tracks subscriber sessions per record id. All operations are
// thread-safe via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // record id -> set of clients
	all     map[*Client]struct{}
	relays  []Relay
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// AddRelay attaches a cross-instance relay. Must be called before serving.
func (h *Hub) AddRelay(r Relay) {
	h.relays = append(h.relays, r)
}

// SetMetrics attaches delivery counters. Must be called before serving.
func (h *Hub) SetMetrics(m *telemetry.Metrics) {
	h.metrics = m
}

// Register adds a client and subscribes it to its initial record topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes a client from all record topics and closes its Send
// channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds record topics to an already-registered client.
func (h *Hub) Subscribe(client *Client, records []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range records {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
	client.Topics = append(client.Topics, records...)
}

// Unsubscribe removes record topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, records []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(records))
	for _, r := range records {
		removeSet[r] = struct{}{}
	}

	for _, topic := range records {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Records)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Records)
	}
}

// Publish implements Publisher. Local delivery uses non-blocking channel
// sends so a slow subscriber can never delay the mutating request; relays
// run on their own goroutine for the same reason.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.deliverLocal(event)
	if len(h.relays) > 0 {
		go func() {
			for _, r := range h.relays {
				r.Forward(event)
			}
		}()
	}
	return nil
}

// deliverLocal sends the event to every local subscriber of the record,
// excluding the originating session.
func (h *Hub) deliverLocal(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("bus: marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	subscribers, ok := h.clients[event.RecordID.String()]
	if !ok {
		return
	}

	for client := range subscribers {
		if event.OriginSession != "" && client.SessionID == event.OriginSession {
			continue
		}
		select {
		case client.Send <- data:
			if h.metrics != nil {
				h.metrics.BroadcastsTotal.Inc()
			}
		default:
			// Client buffer full; skip to avoid blocking.
			if h.metrics != nil {
				h.metrics.BroadcastDrops.Inc()
			}
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RecordSubscribers returns the number of clients subscribed to a record.
func (h *Hub) RecordSubscribers(recordID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[recordID])
}

var _ Publisher = (*Hub)(nil)
