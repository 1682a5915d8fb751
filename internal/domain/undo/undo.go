package undo

import (
	"github.com/mindsync/mindsync/internal/domain/tree"
)

// DefaultCapacity bounds the history kept per document.
const DefaultCapacity = 100

// Kind describes the recorded mutation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Entry records one locally initiated mutation and enough state to invert it.
type Entry struct {
	Kind     Kind
	NodeID   string
	ParentID string
	// Previous holds the field values an update replaced.
	Previous tree.Changes
	// Snapshot holds the removed subtree of a delete, parents first.
	Snapshot []tree.Node
}

// Stack is a bounded LIFO history. Pushing past capacity evicts the oldest entry.
type Stack struct {
	capacity int
	entries  []Entry
}

func NewStack(capacity int) *Stack {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stack{capacity: capacity}
}

func (s *Stack) Push(e Entry) {
	s.entries = append(s.entries, e)
	if over := len(s.entries) - s.capacity; over > 0 {
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
}

func (s *Stack) Pop() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	last := len(s.entries) - 1
	e := s.entries[last]
	s.entries = s.entries[:last]
	return e, true
}

func (s *Stack) Len() int {
	return len(s.entries)
}

func (s *Stack) Capacity() int {
	return s.capacity
}

func (s *Stack) Clear() {
	s.entries = nil
}
