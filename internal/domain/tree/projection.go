package tree

import (
	"sort"
)

// Projection holds a document's flat node table and the hierarchy derived from it.
// The child index and the tree are rebuilt wholesale after every accepted change.
type Projection struct {
	nodes    map[string]*Node
	seq      map[string]uint64
	nextSeq  uint64
	children map[string][]string
	rootID   string
	root     *TreeNode
}

func NewProjection() *Projection {
	p := &Projection{}
	p.Reset(nil)
	return p
}

// Reset replaces the whole table. Slice order is taken as arrival order.
func (p *Projection) Reset(nodes []Node) {
	p.nodes = make(map[string]*Node, len(nodes))
	p.seq = make(map[string]uint64, len(nodes))
	p.nextSeq = 0
	for _, n := range nodes {
		p.put(n)
	}
	p.rebuild()
}

// Upsert inserts n or, when the id is already known, overwrites it in place.
func (p *Projection) Upsert(n Node) {
	p.put(n)
	p.rebuild()
}

// UpsertAll applies several upserts with a single rebuild.
func (p *Projection) UpsertAll(nodes []Node) {
	if len(nodes) == 0 {
		return
	}
	for _, n := range nodes {
		p.put(n)
	}
	p.rebuild()
}

// Patch applies ch to an existing node and returns the values it replaced.
func (p *Projection) Patch(id string, ch Changes) (Changes, bool) {
	n, ok := p.nodes[id]
	if !ok {
		return Changes{}, false
	}
	prev := ch.Capture(*n)
	ch.Apply(n)
	p.rebuild()
	return prev, true
}

// Delete removes id and every descendant reachable through the live child relation.
// Deleting an unknown id is a no-op and returns nil.
func (p *Projection) Delete(id string) []string {
	if _, ok := p.nodes[id]; !ok {
		return nil
	}
	removed := p.collect(id)
	for _, rid := range removed {
		delete(p.nodes, rid)
		delete(p.seq, rid)
	}
	p.rebuild()
	return removed
}

// DeleteAll cascades each id in turn and returns every removed id.
func (p *Projection) DeleteAll(ids []string) []string {
	var removed []string
	for _, id := range ids {
		if _, ok := p.nodes[id]; !ok {
			continue
		}
		for _, rid := range p.collect(id) {
			if _, ok := p.nodes[rid]; !ok {
				continue
			}
			delete(p.nodes, rid)
			delete(p.seq, rid)
			removed = append(removed, rid)
		}
		p.rebuild()
	}
	return removed
}

// ApplyBatch applies a server batch: deletes cascade first, then changed nodes are upserted.
// Known nodes listed in changed take their new parent before the cascade runs, so a node
// moved out of a deleted subtree keeps its descendants.
func (p *Projection) ApplyBatch(deleted []string, changed []Node) []string {
	if len(deleted) > 0 {
		moved := false
		for _, n := range changed {
			cur, ok := p.nodes[n.ID]
			if !ok || cur.Parent() == n.Parent() {
				continue
			}
			cur.ParentID = nil
			if n.ParentID != nil {
				cur.ParentID = Ptr(*n.ParentID)
			}
			moved = true
		}
		if moved {
			p.rebuild()
		}
	}
	removed := p.DeleteAll(deleted)
	p.UpsertAll(changed)
	return removed
}

// Get returns a copy of the node.
func (p *Projection) Get(id string) (Node, bool) {
	n, ok := p.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (p *Projection) Has(id string) bool {
	_, ok := p.nodes[id]
	return ok
}

func (p *Projection) Len() int {
	return len(p.nodes)
}

// Nodes returns a copy of the table in arrival order.
func (p *Projection) Nodes() []Node {
	out := make([]Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		return p.seq[out[i].ID] < p.seq[out[j].ID]
	})
	return out
}

// Children returns the ordered child ids of id.
func (p *Projection) Children(id string) []string {
	return append([]string(nil), p.children[id]...)
}

// RootID returns the root id, or "" when no root is loaded yet.
func (p *Projection) RootID() string {
	return p.rootID
}

// Root returns the derived tree. Nil means "not ready yet", not an error.
func (p *Projection) Root() *TreeNode {
	return p.root
}

// Subtree returns copies of id and its descendants, parents before children.
func (p *Projection) Subtree(id string) []Node {
	if _, ok := p.nodes[id]; !ok {
		return nil
	}
	ids := p.collect(id)
	out := make([]Node, 0, len(ids))
	for _, sid := range ids {
		out = append(out, *p.nodes[sid])
	}
	return out
}

// NextPosition is one past the largest sibling position under parentID, or 0 without siblings.
func (p *Projection) NextPosition(parentID string) float64 {
	highest := 0.0
	found := false
	for _, n := range p.nodes {
		if n.ParentID == nil || *n.ParentID != parentID {
			continue
		}
		if !found || n.Position > highest {
			highest = n.Position
			found = true
		}
	}
	if !found {
		return 0
	}
	return highest + 1
}

func (p *Projection) put(n Node) {
	if existing, ok := p.nodes[n.ID]; ok {
		*existing = n
		return
	}
	cp := n
	p.nodes[n.ID] = &cp
	p.seq[n.ID] = p.nextSeq
	p.nextSeq++
}

// collect walks the child index breadth-first starting at id.
func (p *Projection) collect(id string) []string {
	out := []string{id}
	seen := map[string]struct{}{id: {}}
	for i := 0; i < len(out); i++ {
		for _, child := range p.children[out[i]] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
		}
	}
	return out
}

func (p *Projection) rebuild() {
	p.children = make(map[string][]string, len(p.nodes))
	p.rootID = ""
	for id, n := range p.nodes {
		if n.ParentID == nil {
			if p.rootID == "" || p.seq[id] < p.seq[p.rootID] {
				p.rootID = id
			}
			continue
		}
		p.children[*n.ParentID] = append(p.children[*n.ParentID], id)
	}
	for parent, ids := range p.children {
		sort.SliceStable(ids, func(i, j int) bool {
			a, b := p.nodes[ids[i]], p.nodes[ids[j]]
			if a.Position != b.Position {
				return a.Position < b.Position
			}
			return p.seq[a.ID] < p.seq[b.ID]
		})
		p.children[parent] = ids
	}

	p.root = nil
	if p.rootID == "" {
		return
	}
	visited := make(map[string]struct{}, len(p.nodes))
	p.root = p.attach(p.rootID, visited)
}

// attach materializes id and its reachable subtree. Nodes whose parent is missing
// never get here, so orphans stay out of the tree until the parent arrives.
func (p *Projection) attach(id string, visited map[string]struct{}) *TreeNode {
	visited[id] = struct{}{}
	tn := &TreeNode{Node: *p.nodes[id], Children: []*TreeNode{}}
	for _, child := range p.children[id] {
		if _, ok := visited[child]; ok {
			continue
		}
		tn.Children = append(tn.Children, p.attach(child, visited))
	}
	return tn
}

// Build derives the hierarchy from a flat list, treating slice order as arrival order.
func Build(nodes []Node) *TreeNode {
	p := NewProjection()
	p.Reset(nodes)
	return p.Root()
}

// Flatten lists a tree breadth-first.
func Flatten(root *TreeNode) []Node {
	if root == nil {
		return nil
	}
	var out []Node
	queue := []*TreeNode{root}
	for len(queue) > 0 {
		tn := queue[0]
		queue = queue[1:]
		out = append(out, tn.Node)
		queue = append(queue, tn.Children...)
	}
	return out
}
