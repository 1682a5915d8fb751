package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mindsync/mindsync/internal/domain/lock"
	"github.com/mindsync/mindsync/internal/domain/tree"
)

// MessageType tags a channel frame.
type MessageType string

const (
	TypeConnected      MessageType = "connected"
	TypeAck            MessageType = "ack"
	TypeNodeCreate     MessageType = "node:create"
	TypeNodeUpdate     MessageType = "node:update"
	TypeNodeDelete     MessageType = "node:delete"
	TypeNodeMove       MessageType = "node:move"
	TypeNodeLock       MessageType = "node:lock"
	TypeNodeUnlock     MessageType = "node:unlock"
	TypePeerDisconnect MessageType = "peer:disconnect"
)

var inboundTypes = map[MessageType]struct{}{
	TypeConnected:      {},
	TypeAck:            {},
	TypeNodeCreate:     {},
	TypeNodeUpdate:     {},
	TypeNodeDelete:     {},
	TypeNodeMove:       {},
	TypeNodeLock:       {},
	TypeNodeUnlock:     {},
	TypePeerDisconnect: {},
}

var outboundTypes = map[MessageType]struct{}{
	TypeNodeCreate: {},
	TypeNodeUpdate: {},
	TypeNodeDelete: {},
	TypeNodeMove:   {},
	TypeNodeLock:   {},
	TypeNodeUnlock: {},
}

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
)

// Envelope is a raw channel frame as sent by the server.
type Envelope struct {
	Type         MessageType     `json:"type"`
	ClientID     string          `json:"client_id,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	OriginalType MessageType     `json:"original_type,omitempty"`
}

// Message is a decoded channel frame.
type Message struct {
	ClientID string
	Version  int64
	Event    Event
}

// Type returns the tag of the carried event.
func (m Message) Type() MessageType {
	if m.Event == nil {
		return ""
	}
	return m.Event.Type()
}

// Event is the closed set of inbound channel events. Only this package implements it.
type Event interface {
	Type() MessageType
	sealed()
}

// Connected is the first frame of every channel session.
type Connected struct {
	ClientID string
	Version  int64
	UserID   string
	Locks    []lock.Entry
}

// Ack confirms a mutation issued by this client, carrying server-assigned fields.
type Ack struct {
	OriginalType MessageType
	Node         *tree.Node
	DeletedIDs   []string
}

type NodeCreated struct{ Node tree.Node }

type NodeUpdated struct{ Node tree.Node }

type NodeMoved struct{ Node tree.Node }

// NodeDeleted names the deleted subtree root; descendants are derived locally.
type NodeDeleted struct {
	ID         string
	DeletedIDs []string
}

type NodeLocked struct{ Lock lock.Entry }

type NodeUnlocked struct {
	NodeID string
	UserID string
}

// PeerDisconnected is informational only.
type PeerDisconnected struct{}

func (Connected) Type() MessageType { return TypeConnected }
func (Ack) Type() MessageType { return TypeAck }
func (NodeCreated) Type() MessageType { return TypeNodeCreate }
func (NodeUpdated) Type() MessageType { return TypeNodeUpdate }
func (NodeMoved) Type() MessageType { return TypeNodeMove }
func (NodeDeleted) Type() MessageType { return TypeNodeDelete }
func (NodeLocked) Type() MessageType { return TypeNodeLock }
func (NodeUnlocked) Type() MessageType { return TypeNodeUnlock }
func (PeerDisconnected) Type() MessageType { return TypePeerDisconnect }

func (Connected) sealed() {}
func (Ack) sealed() {}
func (NodeCreated) sealed() {}
func (NodeUpdated) sealed() {}
func (NodeMoved) sealed() {}
func (NodeDeleted) sealed() {}
func (NodeLocked) sealed() {}
func (NodeUnlocked) sealed() {}
func (PeerDisconnected) sealed() {}

type connectedPayload struct {
	ClientID string       `json:"client_id"`
	Version  *int64       `json:"version"`
	UserID   string       `json:"user_id"`
	Locks    []lock.Entry `json:"locks"`
}

type deletePayload struct {
	ID         string   `json:"id"`
	DeletedIDs []string `json:"deleted_ids"`
}

type unlockPayload struct {
	NodeID string `json:"node_id"`
	UserID string `json:"user_id"`
}

// Decode parses one channel frame into a typed message.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope turns a raw envelope into a typed message.
func DecodeEnvelope(env Envelope) (Message, error) {
	if _, ok := inboundTypes[env.Type]; !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	msg := Message{ClientID: env.ClientID, Version: env.Version}

	switch env.Type {
	case TypeConnected:
		var p connectedPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return Message{}, err
		}
		ev := Connected{ClientID: env.ClientID, Version: env.Version, UserID: p.UserID, Locks: p.Locks}
		if ev.ClientID == "" {
			ev.ClientID = p.ClientID
		}
		if p.Version != nil && *p.Version > ev.Version {
			ev.Version = *p.Version
		}
		msg.ClientID = ev.ClientID
		msg.Version = ev.Version
		msg.Event = ev
	case TypeAck:
		ev := Ack{OriginalType: env.OriginalType}
		if env.OriginalType == TypeNodeDelete {
			var p deletePayload
			if err := unmarshalData(env.Data, &p); err != nil {
				return Message{}, err
			}
			ev.DeletedIDs = deletedIDs(p)
		} else if hasData(env.Data) {
			var n tree.Node
			if err := unmarshalData(env.Data, &n); err != nil {
				return Message{}, err
			}
			if n.ID != "" {
				ev.Node = &n
			}
		}
		msg.Event = ev
	case TypeNodeCreate, TypeNodeUpdate, TypeNodeMove:
		var n tree.Node
		if err := unmarshalData(env.Data, &n); err != nil {
			return Message{}, err
		}
		if strings.TrimSpace(n.ID) == "" {
			return Message{}, fmt.Errorf("%w: %s without node id", ErrMalformedMessage, env.Type)
		}
		switch env.Type {
		case TypeNodeCreate:
			msg.Event = NodeCreated{Node: n}
		case TypeNodeUpdate:
			msg.Event = NodeUpdated{Node: n}
		default:
			msg.Event = NodeMoved{Node: n}
		}
	case TypeNodeDelete:
		var p deletePayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return Message{}, err
		}
		if p.ID == "" && len(p.DeletedIDs) == 0 {
			return Message{}, fmt.Errorf("%w: node:delete without id", ErrMalformedMessage)
		}
		msg.Event = NodeDeleted{ID: p.ID, DeletedIDs: deletedIDs(p)}
	case TypeNodeLock:
		var e lock.Entry
		if err := unmarshalData(env.Data, &e); err != nil {
			return Message{}, err
		}
		if e.NodeID == "" {
			return Message{}, fmt.Errorf("%w: node:lock without node_id", ErrMalformedMessage)
		}
		msg.Event = NodeLocked{Lock: e}
	case TypeNodeUnlock:
		var p unlockPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return Message{}, err
		}
		if p.NodeID == "" {
			return Message{}, fmt.Errorf("%w: node:unlock without node_id", ErrMalformedMessage)
		}
		msg.Event = NodeUnlocked{NodeID: p.NodeID, UserID: p.UserID}
	case TypePeerDisconnect:
		msg.Event = PeerDisconnected{}
	}
	return msg, nil
}

func deletedIDs(p deletePayload) []string {
	if len(p.DeletedIDs) > 0 {
		return p.DeletedIDs
	}
	if p.ID != "" {
		return []string{p.ID}
	}
	return nil
}

func hasData(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))
	return trimmed != "" && trimmed != "null"
}

func unmarshalData(data json.RawMessage, v any) error {
	if !hasData(data) {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
