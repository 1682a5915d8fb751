package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mindsync/mindsync/internal/domain/lock"
	"github.com/mindsync/mindsync/internal/domain/notification"
	"github.com/mindsync/mindsync/internal/domain/tree"
	"github.com/mindsync/mindsync/internal/domain/undo"
	"github.com/mindsync/mindsync/internal/protocol"
)

// MaxContentLength bounds node content accepted from local callers.
const MaxContentLength = 10000

var (
	ErrInvalidChanges  = errors.New("changes must set at least one field and cannot change the parent")
	ErrMoveIntoSubtree = errors.New("node cannot be moved under itself or its descendants")
	ErrNothingToUndo   = errors.New("nothing to undo")
	ErrContentTooLong  = errors.New("content exceeds maximum length")
)

// CreateInput describes a new child node. ID is generated when empty.
type CreateInput struct {
	ID       string `json:"id,omitempty"`
	ParentID string `json:"parent_id"`
	Content  string `json:"content"`
	Style    string `json:"style,omitempty"`
}

// CreateNode adds a child under ParentID, applies it locally and dispatches node:create.
func (r *Reconciler) CreateNode(ctx context.Context, in CreateInput) (tree.Node, error) {
	if len(in.Content) > MaxContentLength {
		return tree.Node{}, ErrContentTooLong
	}

	r.mu.Lock()
	if err := r.requireDocumentLocked(); err != nil {
		r.mu.Unlock()
		return tree.Node{}, err
	}
	if !r.nodes.Has(in.ParentID) {
		r.mu.Unlock()
		return tree.Node{}, tree.ErrParentNotFound
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	} else if r.nodes.Has(id) {
		r.mu.Unlock()
		return tree.Node{}, tree.ErrNodeExists
	}

	n := tree.Node{
		ID:       id,
		MapID:    r.documentID,
		ParentID: tree.Ptr(in.ParentID),
		Content:  in.Content,
		Position: r.nodes.NextPosition(in.ParentID),
		Style:    in.Style,
	}
	r.nodes.Upsert(n)
	r.history.Push(undo.Entry{Kind: undo.KindCreate, NodeID: id, ParentID: in.ParentID})
	out := protocol.NewCreate(n, r.version)
	change := r.treeChangeLocked(id)
	d := r.dispatcher
	r.mu.Unlock()

	r.publish(change)
	r.dispatch(ctx, d, out)
	return n, nil
}

// UpdateNode writes content, style, collapsed or position changes. Parent changes go through MoveNode.
func (r *Reconciler) UpdateNode(ctx context.Context, id string, ch tree.Changes) (tree.Node, error) {
	if ch.Empty() || ch.ParentID != nil {
		return tree.Node{}, ErrInvalidChanges
	}
	if ch.Content != nil && len(*ch.Content) > MaxContentLength {
		return tree.Node{}, ErrContentTooLong
	}

	r.mu.Lock()
	if err := r.editableLocked(id); err != nil {
		r.mu.Unlock()
		return tree.Node{}, err
	}
	prev, _ := r.nodes.Patch(id, ch)
	r.history.Push(undo.Entry{Kind: undo.KindUpdate, NodeID: id, Previous: prev})
	n, _ := r.nodes.Get(id)
	out := protocol.NewUpdate(id, ch, r.version)
	change := r.treeChangeLocked(id)
	d := r.dispatcher
	r.mu.Unlock()

	r.publish(change)
	r.dispatch(ctx, d, out)
	return n, nil
}

// MoveNode reparents id. A nil position appends after the new siblings.
func (r *Reconciler) MoveNode(ctx context.Context, id, parentID string, position *float64) (tree.Node, error) {
	r.mu.Lock()
	if err := r.editableLocked(id); err != nil {
		r.mu.Unlock()
		return tree.Node{}, err
	}
	current, _ := r.nodes.Get(id)
	if current.IsRoot() {
		r.mu.Unlock()
		return tree.Node{}, tree.ErrRootImmutable
	}
	if !r.nodes.Has(parentID) {
		r.mu.Unlock()
		return tree.Node{}, tree.ErrParentNotFound
	}
	for _, n := range r.nodes.Subtree(id) {
		if n.ID == parentID {
			r.mu.Unlock()
			return tree.Node{}, ErrMoveIntoSubtree
		}
	}

	pos := r.nodes.NextPosition(parentID)
	if position != nil {
		pos = *position
	}
	prev, _ := r.nodes.Patch(id, tree.Changes{ParentID: tree.Ptr(parentID), Position: tree.Ptr(pos)})
	r.history.Push(undo.Entry{Kind: undo.KindUpdate, NodeID: id, ParentID: current.Parent(), Previous: prev})
	n, _ := r.nodes.Get(id)
	out := protocol.NewMove(id, parentID, pos, r.version)
	change := r.treeChangeLocked(id)
	d := r.dispatcher
	r.mu.Unlock()

	r.publish(change)
	r.dispatch(ctx, d, out)
	return n, nil
}

// DeleteNode removes id and its descendants and dispatches node:delete. It returns the removed ids.
func (r *Reconciler) DeleteNode(ctx context.Context, id string) ([]string, error) {
	r.mu.Lock()
	if err := r.editableLocked(id); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	current, _ := r.nodes.Get(id)
	if current.IsRoot() {
		r.mu.Unlock()
		return nil, tree.ErrRootImmutable
	}

	snapshot := r.nodes.Subtree(id)
	removed := r.deleteLocked([]string{id})
	r.history.Push(undo.Entry{Kind: undo.KindDelete, NodeID: id, ParentID: current.Parent(), Snapshot: snapshot})
	out := protocol.NewDelete(id, r.version)
	change := r.treeChangeLocked(removed...)
	d := r.dispatcher
	r.mu.Unlock()

	r.publish(change)
	r.dispatch(ctx, d, out)
	return removed, nil
}

// Undo pops the latest local mutation and issues its inverse through the normal outbound path.
// The inverse itself is not recorded.
func (r *Reconciler) Undo(ctx context.Context) error {
	r.mu.Lock()
	if err := r.requireDocumentLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	entry, ok := r.history.Pop()
	if !ok {
		r.mu.Unlock()
		return ErrNothingToUndo
	}
	if r.undoBlockedLocked(entry) {
		r.history.Push(entry)
		r.mu.Unlock()
		return lock.ErrHeldByOther
	}
	outs, touched := r.invertLocked(entry)
	var changes []notification.Change
	if len(touched) > 0 {
		changes = append(changes, r.treeChangeLocked(touched...))
	}
	d := r.dispatcher
	r.mu.Unlock()

	r.logger.Debug().Str("kind", string(entry.Kind)).Str("node_id", entry.NodeID).Int("frames", len(outs)).Msg("undo")
	r.publish(changes...)
	for _, out := range outs {
		r.dispatch(ctx, d, out)
	}
	return nil
}

// undoBlockedLocked reports whether the inverse would touch a node another user holds.
func (r *Reconciler) undoBlockedLocked(entry undo.Entry) bool {
	var ids []string
	switch entry.Kind {
	case undo.KindCreate:
		ids = nodeIDs(r.nodes.Subtree(entry.NodeID))
	case undo.KindUpdate:
		ids = []string{entry.NodeID}
	case undo.KindDelete:
		ids = nodeIDs(entry.Snapshot)
	}
	for _, id := range ids {
		if r.locks.IsHeldByOther(id, r.userID) {
			return true
		}
	}
	return false
}

func (r *Reconciler) invertLocked(entry undo.Entry) ([]protocol.Outbound, []string) {
	switch entry.Kind {
	case undo.KindCreate:
		if !r.nodes.Has(entry.NodeID) {
			return nil, nil
		}
		removed := r.deleteLocked([]string{entry.NodeID})
		return []protocol.Outbound{protocol.NewDelete(entry.NodeID, r.version)}, removed
	case undo.KindUpdate:
		if !r.nodes.Has(entry.NodeID) || entry.Previous.Empty() {
			return nil, nil
		}
		if entry.Previous.ParentID != nil {
			parent := *entry.Previous.ParentID
			if !r.nodes.Has(parent) {
				r.logger.Warn().Str("node_id", entry.NodeID).Str("parent_id", parent).Msg("undo skipped: previous parent is gone")
				return nil, nil
			}
			r.nodes.Patch(entry.NodeID, entry.Previous)
			n, _ := r.nodes.Get(entry.NodeID)
			return []protocol.Outbound{protocol.NewMove(entry.NodeID, parent, n.Position, r.version)}, []string{entry.NodeID}
		}
		r.nodes.Patch(entry.NodeID, entry.Previous)
		return []protocol.Outbound{protocol.NewUpdate(entry.NodeID, entry.Previous, r.version)}, []string{entry.NodeID}
	case undo.KindDelete:
		var outs []protocol.Outbound
		var restored []tree.Node
		for _, n := range entry.Snapshot {
			if r.nodes.Has(n.ID) {
				continue
			}
			restored = append(restored, n)
			outs = append(outs, protocol.NewCreate(n, r.version))
		}
		r.nodes.UpsertAll(restored)
		return outs, nodeIDs(restored)
	default:
		r.logger.Error().Str("kind", string(entry.Kind)).Msg("unknown undo entry")
		return nil, nil
	}
}

// AcquireLock asks for exclusive edit rights on nodeID. A refusal is reported in the result.
func (r *Reconciler) AcquireLock(ctx context.Context, nodeID string) (lock.Result, error) {
	r.mu.Lock()
	if err := r.requireDocumentLocked(); err != nil {
		r.mu.Unlock()
		return lock.Result{}, err
	}
	if !r.nodes.Has(nodeID) {
		r.mu.Unlock()
		return lock.Result{}, tree.ErrNodeNotFound
	}
	if h, ok := r.locks.Get(nodeID); ok {
		mine := h.UserID != "" && h.UserID == r.userID
		r.mu.Unlock()
		if mine {
			return lock.Result{Held: true}, nil
		}
		return lock.Result{Held: false, LockedBy: h.Username}, nil
	}
	d := r.dispatcher
	documentID := r.documentID
	version := r.version
	r.mu.Unlock()

	if d == nil {
		return lock.Result{}, ErrNoTransport
	}

	if d.ChannelOpen() {
		r.grantLock(documentID, nodeID)
		r.dispatch(ctx, d, protocol.NewLock(nodeID, version))
		return lock.Result{Held: true}, nil
	}

	res, err := d.AcquireLegacy(ctx, nodeID)
	if err != nil {
		return lock.Result{}, fmt.Errorf("acquire lock: %w", err)
	}
	if res.Held {
		r.grantLock(documentID, nodeID)
	}
	return res, nil
}

// ReleaseLock relinquishes nodeID.
func (r *Reconciler) ReleaseLock(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	if err := r.requireDocumentLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.locks.IsHeldByOther(nodeID, r.userID) {
		r.mu.Unlock()
		return lock.ErrHeldByOther
	}
	r.locks.Clear(nodeID)
	change := notification.NewChange(notification.KindLocks, r.documentID, r.version, nodeID)
	d := r.dispatcher
	version := r.version
	r.mu.Unlock()

	r.publish(change)
	if d == nil {
		return ErrNoTransport
	}
	if d.ChannelOpen() {
		r.dispatch(ctx, d, protocol.NewUnlock(nodeID, version))
		return nil
	}
	if err := d.ReleaseLegacy(ctx, nodeID); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (r *Reconciler) grantLock(documentID, nodeID string) {
	r.mu.Lock()
	if r.documentID != documentID {
		r.mu.Unlock()
		return
	}
	r.locks.Set(nodeID, lock.Holder{UserID: r.userID, Username: r.username})
	change := notification.NewChange(notification.KindLocks, r.documentID, r.version, nodeID)
	r.mu.Unlock()
	r.publish(change)
}

func (r *Reconciler) dispatch(ctx context.Context, d Dispatcher, out protocol.Outbound) {
	if d == nil {
		r.logger.Warn().Str("type", string(out.Type)).Msg("no transport attached, change stays local")
		return
	}
	if err := out.ValidateBasic(); err != nil {
		r.logger.Error().Err(err).Str("type", string(out.Type)).Msg("invalid outbound frame")
		return
	}
	if err := d.Send(ctx, out); err != nil {
		r.logger.Warn().Err(err).Str("type", string(out.Type)).Str("node_id", out.Data.Target()).Msg("dispatch failed, waiting for next poll")
	}
}

func (r *Reconciler) requireDocumentLocked() error {
	if r.documentID == "" {
		return ErrNoDocument
	}
	return nil
}

func (r *Reconciler) editableLocked(id string) error {
	if err := r.requireDocumentLocked(); err != nil {
		return err
	}
	if !r.nodes.Has(id) {
		return tree.ErrNodeNotFound
	}
	if r.locks.IsHeldByOther(id, r.userID) {
		return lock.ErrHeldByOther
	}
	return nil
}

func (r *Reconciler) treeChangeLocked(ids ...string) notification.Change {
	return notification.NewChange(notification.KindTree, r.documentID, r.version, ids...)
}
