package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mindsync/mindsync/internal/domain/lock"
	"github.com/mindsync/mindsync/internal/domain/tree"
)

type pollWire struct {
	Version int64         `json:"version"`
	Changed []tree.Node   `json:"changed"`
	Deleted []string      `json:"deleted"`
	Locks   *[]lock.Entry `json:"locks"`
}

// DecodePollResponse parses a poll batch, remembering whether a lock snapshot was present.
func DecodePollResponse(raw []byte) (PollResponse, error) {
	var w pollWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return PollResponse{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	resp := PollResponse{Version: w.Version, Changed: w.Changed, Deleted: w.Deleted}
	if w.Locks != nil {
		resp.Locks = *w.Locks
		resp.HasLocks = true
	}
	return resp, nil
}

// DecodeSnapshot parses a full document load.
func DecodeSnapshot(raw []byte) (DocumentSnapshot, error) {
	var doc DocumentSnapshot
	if err := json.Unmarshal(raw, &doc); err != nil {
		return DocumentSnapshot{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return doc, nil
}

type restNode struct {
	tree.Node
	Version int64 `json:"version"`
}

type restDelete struct {
	DeletedIDs []string `json:"deleted_ids"`
	Version    int64    `json:"version"`
}

// AckFromREST converts a legacy REST mutation response into the ack the channel
// would have delivered, so both paths share one reconciliation entry point.
func AckFromREST(original MessageType, raw []byte) (Message, error) {
	switch original {
	case TypeNodeCreate, TypeNodeUpdate, TypeNodeMove:
		if !hasData(raw) {
			return Message{Event: Ack{OriginalType: original}}, nil
		}
		var n restNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		ack := Ack{OriginalType: original}
		if n.ID != "" {
			node := n.Node
			ack.Node = &node
		}
		return Message{Version: n.Version, Event: ack}, nil
	case TypeNodeDelete:
		var d restDelete
		if hasData(raw) {
			if err := json.Unmarshal(raw, &d); err != nil {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
		}
		return Message{Version: d.Version, Event: Ack{OriginalType: original, DeletedIDs: d.DeletedIDs}}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, original)
	}
}
