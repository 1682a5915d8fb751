package tree

import (
	"errors"
	"time"
)

var (
	ErrNodeNotFound   = errors.New("node not found")
	ErrParentNotFound = errors.New("parent node not found")
	ErrRootImmutable  = errors.New("root node cannot be deleted or moved")
	ErrNodeExists     = errors.New("node already exists")
)

// Node is one entry of a document's flat node table.
type Node struct {
	ID               string     `json:"id"`
	MapID            string     `json:"map_id"`
	ParentID         *string    `json:"parent_id"`
	Content          string     `json:"content"`
	Position         float64    `json:"position"`
	Style            string     `json:"style"`
	Collapsed        bool       `json:"collapsed"`
	LastEditedBy     *string    `json:"last_edited_by,omitempty"`
	LastEditedByName string     `json:"last_edited_by_name,omitempty"`
	LastEditedAt     *time.Time `json:"last_edited_at,omitempty"`
}

// IsRoot reports whether the node has no parent.
func (n Node) IsRoot() bool {
	return n.ParentID == nil
}

// Parent returns the parent id or "" for the root.
func (n Node) Parent() string {
	if n.ParentID == nil {
		return ""
	}
	return *n.ParentID
}

// Changes is a sparse set of writable node fields. Nil fields are left untouched.
type Changes struct {
	Content   *string  `json:"content,omitempty"`
	Position  *float64 `json:"position,omitempty"`
	Style     *string  `json:"style,omitempty"`
	Collapsed *bool    `json:"collapsed,omitempty"`
	ParentID  *string  `json:"parent_id,omitempty"`
}

// Empty reports whether no field is set.
func (c Changes) Empty() bool {
	return c.Content == nil && c.Position == nil && c.Style == nil && c.Collapsed == nil && c.ParentID == nil
}

// Apply writes the set fields onto n.
func (c Changes) Apply(n *Node) {
	if c.Content != nil {
		n.Content = *c.Content
	}
	if c.Position != nil {
		n.Position = *c.Position
	}
	if c.Style != nil {
		n.Style = *c.Style
	}
	if c.Collapsed != nil {
		n.Collapsed = *c.Collapsed
	}
	if c.ParentID != nil {
		parent := *c.ParentID
		n.ParentID = &parent
	}
}

// Capture returns the current values in n of every field set in c.
func (c Changes) Capture(n Node) Changes {
	var prev Changes
	if c.Content != nil {
		prev.Content = Ptr(n.Content)
	}
	if c.Position != nil {
		prev.Position = Ptr(n.Position)
	}
	if c.Style != nil {
		prev.Style = Ptr(n.Style)
	}
	if c.Collapsed != nil {
		prev.Collapsed = Ptr(n.Collapsed)
	}
	if c.ParentID != nil && n.ParentID != nil {
		prev.ParentID = Ptr(*n.ParentID)
	}
	return prev
}

// TreeNode is a node of the derived hierarchy.
type TreeNode struct {
	Node
	Children []*TreeNode `json:"children"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
