package reconcile

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_dispatcher.go -package=mocks . Dispatcher

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mindsync/mindsync/internal/domain/lock"
	"github.com/mindsync/mindsync/internal/domain/notification"
	"github.com/mindsync/mindsync/internal/domain/tree"
	"github.com/mindsync/mindsync/internal/domain/undo"
	"github.com/mindsync/mindsync/internal/protocol"
)

var (
	ErrNoDocument  = errors.New("no document is open")
	ErrNoTransport = errors.New("no transport attached")
)

// Dispatcher puts locally initiated frames on a transport.
type Dispatcher interface {
	// Send delivers an outbound frame over the channel, or the legacy REST path while it is down.
	Send(ctx context.Context, out protocol.Outbound) error
	// ChannelOpen reports whether the push channel is currently open.
	ChannelOpen() bool
	// AcquireLegacy requests a lock over the HTTP lock endpoint.
	AcquireLegacy(ctx context.Context, nodeID string) (lock.Result, error)
	// ReleaseLegacy releases a lock over the HTTP lock endpoint.
	ReleaseLegacy(ctx context.Context, nodeID string) error
}

// Reconciler owns the local replica of one open document. Every entry point is
// serialized on one mutex, so push and poll deliveries may call in from any goroutine.
type Reconciler struct {
	mu sync.Mutex

	documentID string
	version    int64
	clientID   string
	userID     string
	username   string
	connection string

	nodes    *tree.Projection
	locks    *lock.Table
	history  *undo.Stack
	selected string

	dispatcher Dispatcher
	publisher  notification.Publisher
	logger     zerolog.Logger
}

// NewReconciler creates an empty replica. publisher may be nil.
func NewReconciler(publisher notification.Publisher, undoCapacity int, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		nodes:     tree.NewProjection(),
		locks:     lock.NewTable(),
		history:   undo.NewStack(undoCapacity),
		publisher: publisher,
		logger:    logger.With().Str("service", "reconcile").Logger(),
	}
}

// SetDispatcher attaches the outbound transport.
func (r *Reconciler) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

// SetIdentity records who this client acts as.
func (r *Reconciler) SetIdentity(userID, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userID = userID
	r.username = username
}

// Reset drops all replica state and starts over for documentID ("" closes the document).
func (r *Reconciler) Reset(documentID string) {
	r.mu.Lock()
	r.documentID = documentID
	r.version = 0
	r.clientID = ""
	r.connection = ""
	r.selected = ""
	r.nodes.Reset(nil)
	r.locks.Replace(nil)
	r.history.Clear()
	r.mu.Unlock()

	r.publish(notification.NewChange(notification.KindDocument, documentID, 0))
}

// Load replaces the node table with a full document snapshot.
func (r *Reconciler) Load(doc protocol.DocumentSnapshot) {
	changes := r.withState("load", func() []notification.Change {
		if doc.ID != "" && r.documentID != "" && doc.ID != r.documentID {
			r.logger.Warn().Str("document_id", r.documentID).Str("snapshot_id", doc.ID).Msg("ignoring snapshot for another document")
			return nil
		}
		r.nodes.Reset(doc.Nodes)
		r.pruneSelectionLocked()
		if doc.Version > r.version {
			r.version = doc.Version
		}
		r.logger.Info().Str("document_id", r.documentID).Int64("version", r.version).Int("nodes", len(doc.Nodes)).Msg("document loaded")
		return []notification.Change{notification.NewChange(notification.KindTree, r.documentID, r.version)}
	})
	r.publish(changes...)
}

// HandleMessage applies one channel event.
func (r *Reconciler) HandleMessage(msg protocol.Message) {
	changes := r.withState("message", func() []notification.Change {
		return r.applyMessageLocked(msg)
	})
	r.publish(changes...)
}

// HandlePoll applies one poll batch: deletes first, then creates/updates, then locks.
func (r *Reconciler) HandlePoll(resp protocol.PollResponse) {
	changes := r.withState("poll", func() []notification.Change {
		var out []notification.Change
		removed := r.nodes.ApplyBatch(resp.Deleted, resp.Changed)
		r.forgetLocked(removed)
		if len(removed) > 0 || len(resp.Changed) > 0 {
			ids := append(removed, nodeIDs(resp.Changed)...)
			out = append(out, notification.NewChange(notification.KindTree, r.documentID, 0, ids...))
		}
		if resp.HasLocks {
			r.locks.Replace(resp.Locks)
			out = append(out, notification.NewChange(notification.KindLocks, r.documentID, 0))
		}
		if r.advanceLocked(resp.Version) && len(out) == 0 {
			out = append(out, notification.NewChange(notification.KindVersion, r.documentID, 0))
		}
		return r.stampLocked(out)
	})
	r.publish(changes...)
}

// SetConnectionState records the push channel state for observers.
func (r *Reconciler) SetConnectionState(state string) {
	r.mu.Lock()
	if r.connection == state {
		r.mu.Unlock()
		return
	}
	r.connection = state
	change := notification.NewChange(notification.KindConnection, r.documentID, r.version)
	change.State = state
	r.mu.Unlock()
	r.publish(change)
}

func (r *Reconciler) applyMessageLocked(msg protocol.Message) []notification.Change {
	var out []notification.Change
	self := r.clientID != "" && msg.ClientID == r.clientID

	switch ev := msg.Event.(type) {
	case protocol.Connected:
		r.clientID = ev.ClientID
		if ev.UserID != "" {
			r.userID = ev.UserID
		}
		r.locks.Replace(ev.Locks)
		r.logger.Info().Str("client_id", ev.ClientID).Int64("version", ev.Version).Msg("channel connected")
		out = append(out, notification.NewChange(notification.KindLocks, r.documentID, 0))
	case protocol.Ack:
		if ev.Node != nil {
			r.nodes.Upsert(*ev.Node)
			out = append(out, notification.NewChange(notification.KindTree, r.documentID, 0, ev.Node.ID))
		}
		if removed := r.deleteLocked(ev.DeletedIDs); len(removed) > 0 {
			out = append(out, notification.NewChange(notification.KindTree, r.documentID, 0, removed...))
		}
	case protocol.NodeCreated:
		out = append(out, r.upsertRemoteLocked(self, ev.Node)...)
	case protocol.NodeUpdated:
		out = append(out, r.upsertRemoteLocked(self, ev.Node)...)
	case protocol.NodeMoved:
		out = append(out, r.upsertRemoteLocked(self, ev.Node)...)
	case protocol.NodeDeleted:
		if !self {
			if removed := r.deleteLocked(ev.DeletedIDs); len(removed) > 0 {
				out = append(out, notification.NewChange(notification.KindTree, r.documentID, 0, removed...))
			}
		}
	case protocol.NodeLocked:
		r.locks.Set(ev.Lock.NodeID, lock.Holder{UserID: ev.Lock.UserID, Username: ev.Lock.Username})
		out = append(out, notification.NewChange(notification.KindLocks, r.documentID, 0, ev.Lock.NodeID))
	case protocol.NodeUnlocked:
		r.locks.Clear(ev.NodeID)
		out = append(out, notification.NewChange(notification.KindLocks, r.documentID, 0, ev.NodeID))
	case protocol.PeerDisconnected:
		r.logger.Debug().Str("peer_client_id", msg.ClientID).Msg("peer disconnected")
	default:
		r.logger.Error().Str("type", string(msg.Type())).Msg("unhandled channel event")
	}

	if r.advanceLocked(msg.Version) && len(out) == 0 {
		out = append(out, notification.NewChange(notification.KindVersion, r.documentID, 0))
	}
	return r.stampLocked(out)
}

// upsertRemoteLocked skips self-echoes: the optimistic local value already covers them
// and the matching ack carries the server-assigned fields.
func (r *Reconciler) upsertRemoteLocked(self bool, n tree.Node) []notification.Change {
	if self {
		return nil
	}
	r.nodes.Upsert(n)
	return []notification.Change{notification.NewChange(notification.KindTree, r.documentID, 0, n.ID)}
}

func (r *Reconciler) deleteLocked(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	removed := r.nodes.DeleteAll(ids)
	r.forgetLocked(removed)
	return removed
}

// forgetLocked drops locks and the selection held on removed nodes.
func (r *Reconciler) forgetLocked(removed []string) {
	if len(removed) == 0 {
		return
	}
	r.locks.Forget(removed)
	for _, id := range removed {
		if id == r.selected {
			r.selected = ""
			break
		}
	}
}

// advanceLocked moves the version forward, never back.
func (r *Reconciler) advanceLocked(v int64) bool {
	if v > r.version {
		r.version = v
		return true
	}
	return false
}

func (r *Reconciler) pruneSelectionLocked() {
	if r.selected != "" && !r.nodes.Has(r.selected) {
		r.selected = ""
	}
}

func (r *Reconciler) stampLocked(changes []notification.Change) []notification.Change {
	for i := range changes {
		changes[i].Version = r.version
	}
	return changes
}

// withState runs fn as the single actor. A panic inside fn is logged and swallowed so
// that one bad event never tears the session down.
func (r *Reconciler) withState(entry string, fn func() []notification.Change) (changes []notification.Change) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("entry", entry).Msg("reconcile handler failed")
			changes = nil
		}
	}()
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

func (r *Reconciler) publish(changes ...notification.Change) {
	if r.publisher == nil {
		return
	}
	for _, c := range changes {
		r.publisher.Publish(c)
	}
}

func nodeIDs(nodes []tree.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Select marks id as the selected node; "" clears the selection.
func (r *Reconciler) Select(id string) error {
	r.mu.Lock()
	if id != "" && !r.nodes.Has(id) {
		r.mu.Unlock()
		return tree.ErrNodeNotFound
	}
	r.selected = id
	change := notification.NewChange(notification.KindSelection, r.documentID, r.version)
	if id != "" {
		change.NodeIDs = []string{id}
	}
	r.mu.Unlock()
	r.publish(change)
	return nil
}

func (r *Reconciler) Selected() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

func (r *Reconciler) DocumentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.documentID
}

func (r *Reconciler) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Reconciler) ClientID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientID
}

func (r *Reconciler) UserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID
}

// ConnectionState is the last channel state reported by the transport.
func (r *Reconciler) ConnectionState() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection
}

// Tree returns the derived hierarchy, or nil while no root is known. The returned
// tree is never mutated afterwards; later changes build a new one.
func (r *Reconciler) Tree() *tree.TreeNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes.Root()
}

func (r *Reconciler) Node(id string) (tree.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes.Get(id)
}

func (r *Reconciler) Nodes() []tree.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes.Nodes()
}

func (r *Reconciler) Locks() []lock.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks.Snapshot()
}

// IsHeldByOther reports whether nodeID is locked by anyone but userID.
func (r *Reconciler) IsHeldByOther(nodeID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks.IsHeldByOther(nodeID, userID)
}

func (r *Reconciler) CanUndo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.Len() > 0
}
