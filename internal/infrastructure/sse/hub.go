package sse

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mindsync/mindsync/internal/domain/notification"
)

// Hub manages SSE clients and turns replica changes into SSE messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*notification.SSEClient
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*notification.SSEClient),
		logger:  logger.With().Str("component", "sse").Logger(),
	}
}

func (h *Hub) Register(client *notification.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok {
		old.Close()
	}
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) BroadcastToAll(message *notification.SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.trySend(c, message)
	}
}

func (h *Hub) BroadcastToDocument(documentID string, message *notification.SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.Wants(documentID) {
			h.trySend(c, message)
		}
	}
}

func (h *Hub) SendToClient(clientID string, message *notification.SSEMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return notification.ErrClientNotFound
	}
	if !h.trySend(c, message) {
		return notification.ErrChannelFull
	}
	return nil
}

// Publish implements notification.Publisher.
func (h *Hub) Publish(change notification.Change) {
	data, err := json.Marshal(change)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode change")
		return
	}
	h.BroadcastToDocument(change.DocumentID, notification.NewSSEMessage(notification.EventName, change.DocumentID, data))
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

// trySend drops the message for slow clients; they catch up from the next change.
func (h *Hub) trySend(c *notification.SSEClient, msg *notification.SSEMessage) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		h.logger.Debug().Str("client_id", c.ClientID).Msg("sse channel full, dropping message")
		return false
	}
}
