package lock

import (
	"errors"
	"sort"
)

// ErrHeldByOther is returned when a node is locked by someone else.
var ErrHeldByOther = errors.New("node is locked by another user")

// Holder identifies the actor holding a node.
type Holder struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Entry is one lock as carried on the wire.
type Entry struct {
	NodeID   string `json:"node_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Result is the outcome of an acquire attempt. A refusal is a normal result, not an error.
type Result struct {
	Held     bool   `json:"held"`
	LockedBy string `json:"locked_by,omitempty"`
}

// Table mirrors the server's lock state: node id -> single holder.
// It is not safe for concurrent use; the owner serializes access.
type Table struct {
	locks map[string]Holder
}

func NewTable() *Table {
	return &Table{locks: make(map[string]Holder)}
}

// Set records h as the holder of nodeID, overwriting any previous holder.
func (t *Table) Set(nodeID string, h Holder) {
	t.locks[nodeID] = h
}

// Clear drops the lock on nodeID.
func (t *Table) Clear(nodeID string) {
	delete(t.locks, nodeID)
}

// Replace swaps the whole table for a server snapshot.
func (t *Table) Replace(entries []Entry) {
	next := make(map[string]Holder, len(entries))
	for _, e := range entries {
		next[e.NodeID] = Holder{UserID: e.UserID, Username: e.Username}
	}
	t.locks = next
}

func (t *Table) Get(nodeID string) (Holder, bool) {
	h, ok := t.locks[nodeID]
	return h, ok
}

// IsHeldByOther reports whether nodeID is locked by someone other than userID.
func (t *Table) IsHeldByOther(nodeID, userID string) bool {
	h, ok := t.locks[nodeID]
	return ok && h.UserID != userID
}

// Forget drops locks for nodes that no longer exist.
func (t *Table) Forget(nodeIDs []string) {
	for _, id := range nodeIDs {
		delete(t.locks, id)
	}
}

func (t *Table) Len() int {
	return len(t.locks)
}

// Snapshot lists the table sorted by node id.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.locks))
	for id, h := range t.locks {
		out = append(out, Entry{NodeID: id, UserID: h.UserID, Username: h.Username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
