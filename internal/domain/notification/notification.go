package notification

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_publisher.go -package=mocks . Publisher

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind describes what part of the replica changed.
type Kind string

const (
	KindTree       Kind = "tree"
	KindLocks      Kind = "locks"
	KindVersion    Kind = "version"
	KindConnection Kind = "connection"
	KindSelection  Kind = "selection"
	KindDocument   Kind = "document"
)

// EventName is the SSE event name used for replica changes.
const EventName = "change"

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Change is published after every accepted change to the local replica.
type Change struct {
	Kind       Kind      `json:"kind"`
	DocumentID string    `json:"documentId"`
	Version    int64     `json:"version"`
	NodeIDs    []string  `json:"nodeIds,omitempty"`
	State      string    `json:"state,omitempty"`
	At         time.Time `json:"at"`
}

// NewChange stamps a change with the current time.
func NewChange(kind Kind, documentID string, version int64, nodeIDs ...string) Change {
	return Change{
		Kind:       kind,
		DocumentID: documentID,
		Version:    version,
		NodeIDs:    nodeIDs,
		At:         time.Now().UTC(),
	}
}

// Publisher receives replica changes.
type Publisher interface {
	Publish(change Change)
}

// SSEClient represents an active SSE connection
type SSEClient struct {
	ClientID    string
	DocumentID  string
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

// NewSSEClient creates a new SSE client. An empty documentID receives every document.
func NewSSEClient(clientID, documentID string) *SSEClient {
	return &SSEClient{
		ClientID:    clientID,
		DocumentID:  documentID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, 100),
	}
}

// Close closes the client's message channel
func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// Wants reports whether the client subscribed to documentID.
func (c *SSEClient) Wants(documentID string) bool {
	return c.DocumentID == "" || c.DocumentID == documentID
}

// SSEMessage represents a message to be sent via SSE
type SSEMessage struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	DocumentID string          `json:"documentId,omitempty"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewSSEMessage creates a new SSE message
func NewSSEMessage(event, documentID string, data json.RawMessage) *SSEMessage {
	return &SSEMessage{
		ID:         uuid.New().String(),
		Event:      event,
		DocumentID: documentID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
}

// Hub fans SSE messages out to connected clients.
type Hub interface {
	Register(client *SSEClient)
	Unregister(clientID string)
	GetClientCount() int
	BroadcastToAll(message *SSEMessage)
	BroadcastToDocument(documentID string, message *SSEMessage)
	SendToClient(clientID string, message *SSEMessage) error
	Stop()
}
