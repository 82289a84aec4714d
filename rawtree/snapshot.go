package rawtree

import (
	"sort"

	"github.com/google/uuid"
)

// Node is a detached copy of part of the tree.
type Node struct {
	Name     string  `json:"name"`
	Value    *string `json:"value,omitempty"`
	Children []Node  `json:"children,omitempty"`
}

// Subtree is the snapshot of one connection.
type Subtree struct {
	ConnectionID uuid.UUID `json:"connectionId"`
	Label        string    `json:"label"`
	Children     []Node    `json:"children"`
}

// Snapshot copies the subtree of one connection. Children are sorted by
// name. The second result is false when the connection has no subtree.
func (t *Tree) Snapshot(connectionID uuid.UUID) (Subtree, bool) {
	a := t.arena(connectionID, false)
	if a == nil {
		return Subtree{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	root := a.snapshot(rootIndex)
	children := root.Children
	if children == nil {
		children = []Node{}
	}
	return Subtree{ConnectionID: connectionID, Label: a.label, Children: children}, true
}

// SnapshotAll copies every subtree, ordered by connection id.
func (t *Tree) SnapshotAll() []Subtree {
	ids := t.Connections()
	out := make([]Subtree, 0, len(ids))
	for _, id := range ids {
		if s, ok := t.Snapshot(id); ok {
			out = append(out, s)
		}
	}
	return out
}

func (a *arena) snapshot(idx int32) Node {
	rec := a.nodes[idx]
	n := Node{Name: rec.name}
	if rec.hasValue {
		v := rec.value
		n.Value = &v
	}
	if len(rec.children) > 0 {
		names := make([]string, 0, len(rec.children))
		for name := range rec.children {
			names = append(names, name)
		}
		sort.Strings(names)
		n.Children = make([]Node, 0, len(names))
		for _, name := range names {
			n.Children = append(n.Children, a.snapshot(rec.children[name]))
		}
	}
	return n
}
