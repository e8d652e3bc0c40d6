package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Hub fans session events out to WebSocket subscribers. Publish never blocks:
// a subscriber that cannot keep up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	seq      atomic.Int64

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates an event hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger.With().Str("component", "event_hub").Logger(),
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to generate client ID")
		conn.Close()
		return
	}
	c := newClient(clientID, conn, r.RemoteAddr)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[clientID] = c
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Event subscriber connected")

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
		h.remove(clientID)
	}()
}

func (h *Hub) remove(clientID string) {
	h.mu.Lock()
	_, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()

	if ok {
		h.logger.Info().Str("clientId", clientID).Msg("Event subscriber disconnected")
	}
}

// Publish sends an event to every subscriber.
func (h *Hub) Publish(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       h.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range clients {
		if c.enqueue(payload) {
			delivered++
			continue
		}
		h.logger.Warn().Str("clientId", c.id).Str("event", event).Msg("Dropping slow event subscriber")
		c.close()
	}

	h.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Msg("Event published")
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients describes the connected subscribers.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		infos = append(infos, ClientInfo{ID: c.id, ConnectedAt: c.connectedAt, IPAddress: c.ipAddress})
	}
	return infos
}

// Close disconnects every subscriber, refuses new ones, and waits for the
// connection goroutines to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()

	h.logger.Info().Int("subscribers", len(clients)).Msg("Event hub closed")
}
