package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mindsync/mindsync/internal/domain/lock"
	"github.com/mindsync/mindsync/internal/domain/tree"
)

// Outbound is a frame sent by this client. Version is the sender's last known
// document version; the server treats it as a hint only.
type Outbound struct {
	Type    MessageType `json:"type"`
	Data    Payload     `json:"data"`
	Version int64       `json:"version"`
}

// Payload is the closed set of outbound data shapes.
type Payload interface {
	Target() string
	payload()
}

type CreatePayload struct {
	ID       string  `json:"id"`
	ParentID string  `json:"parent_id"`
	Content  string  `json:"content"`
	Position float64 `json:"position"`
	Style    string  `json:"style,omitempty"`
}

type UpdatePayload struct {
	ID      string       `json:"id"`
	Changes tree.Changes `json:"changes"`
}

type DeletePayload struct {
	ID string `json:"id"`
}

type MovePayload struct {
	ID       string  `json:"id"`
	ParentID string  `json:"parent_id"`
	Position float64 `json:"position"`
}

type LockPayload struct {
	NodeID string `json:"node_id"`
}

func (p CreatePayload) Target() string { return p.ID }
func (p UpdatePayload) Target() string { return p.ID }
func (p DeletePayload) Target() string { return p.ID }
func (p MovePayload) Target() string { return p.ID }
func (p LockPayload) Target() string { return p.NodeID }

func (CreatePayload) payload() {}
func (UpdatePayload) payload() {}
func (DeletePayload) payload() {}
func (MovePayload) payload() {}
func (LockPayload) payload() {}

func NewCreate(n tree.Node, version int64) Outbound {
	return Outbound{
		Type: TypeNodeCreate,
		Data: CreatePayload{
			ID:       n.ID,
			ParentID: n.Parent(),
			Content:  n.Content,
			Position: n.Position,
			Style:    n.Style,
		},
		Version: version,
	}
}

func NewUpdate(id string, changes tree.Changes, version int64) Outbound {
	return Outbound{Type: TypeNodeUpdate, Data: UpdatePayload{ID: id, Changes: changes}, Version: version}
}

func NewDelete(id string, version int64) Outbound {
	return Outbound{Type: TypeNodeDelete, Data: DeletePayload{ID: id}, Version: version}
}

func NewMove(id, parentID string, position float64, version int64) Outbound {
	return Outbound{Type: TypeNodeMove, Data: MovePayload{ID: id, ParentID: parentID, Position: position}, Version: version}
}

func NewLock(nodeID string, version int64) Outbound {
	return Outbound{Type: TypeNodeLock, Data: LockPayload{NodeID: nodeID}, Version: version}
}

func NewUnlock(nodeID string, version int64) Outbound {
	return Outbound{Type: TypeNodeUnlock, Data: LockPayload{NodeID: nodeID}, Version: version}
}

// ValidateBasic checks the frame before it is put on a transport.
func (o Outbound) ValidateBasic() error {
	if _, ok := outboundTypes[o.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, o.Type)
	}
	if o.Data == nil {
		return errors.New("data is required")
	}
	if strings.TrimSpace(o.Data.Target()) == "" {
		return errors.New("node id is required")
	}
	if o.Version < 0 {
		return errors.New("version must not be negative")
	}
	switch p := o.Data.(type) {
	case CreatePayload:
		if strings.TrimSpace(p.ParentID) == "" {
			return errors.New("parent_id is required")
		}
	case MovePayload:
		if strings.TrimSpace(p.ParentID) == "" {
			return errors.New("parent_id is required")
		}
	case UpdatePayload:
		if p.Changes.Empty() {
			return errors.New("changes are required")
		}
	}
	return nil
}

// PollResponse is the body of GET /api/maps/{id}/sync?since=v.
type PollResponse struct {
	Version int64        `json:"version"`
	Changed []tree.Node  `json:"changed"`
	Deleted []string     `json:"deleted"`
	Locks   []lock.Entry `json:"locks,omitempty"`
	// HasLocks distinguishes "no locks field" from "no locks held".
	HasLocks bool `json:"-"`
}

// DocumentSnapshot is the body of GET /api/maps/{id}.
type DocumentSnapshot struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Version int64       `json:"version"`
	Nodes   []tree.Node `json:"nodes"`
}
