// Package rawtree keeps every received update, schema or not, in a tree
// per connection built from the '/'-separated segments of its key.
package rawtree

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/model"
)

// Separator splits keys into path segments.
const Separator = "/"

const rootIndex int32 = 0

// nodeRecord is one arena slot. Children are addressed by index so the
// arena can grow without invalidating references.
type nodeRecord struct {
	name     string
	parent   int32
	value    string
	hasValue bool
	children map[string]int32
}

// arena holds the subtree of one connection.
type arena struct {
	mu    sync.RWMutex
	label string
	nodes []nodeRecord
}

func newArena(label string) *arena {
	return &arena{
		label: label,
		nodes: []nodeRecord{{parent: -1}},
	}
}

// child returns the index of name under parent, creating it when missing.
func (a *arena) child(parent int32, name string) int32 {
	p := &a.nodes[parent]
	if idx, ok := p.children[name]; ok {
		return idx
	}
	idx := int32(len(a.nodes))
	if p.children == nil {
		p.children = make(map[string]int32)
	}
	p.children[name] = idx
	a.nodes = append(a.nodes, nodeRecord{name: name, parent: parent})
	return idx
}

func (a *arena) find(key string) (int32, bool) {
	cur := rootIndex
	for _, seg := range strings.Split(key, Separator) {
		idx, ok := a.nodes[cur].children[seg]
		if !ok {
			return 0, false
		}
		cur = idx
	}
	return cur, true
}

// Tree is the raw passthrough tree. All methods are safe for concurrent use;
// ingests for different connections do not contend.
type Tree struct {
	mu     sync.RWMutex
	arenas map[uuid.UUID]*arena
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{arenas: make(map[uuid.UUID]*arena)}
}

func (t *Tree) arena(connectionID uuid.UUID, create bool) *arena {
	t.mu.RLock()
	a, ok := t.arenas[connectionID]
	t.mu.RUnlock()
	if ok || !create {
		return a
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok = t.arenas[connectionID]; ok {
		return a
	}
	a = newArena(connectionID.String())
	t.arenas[connectionID] = a
	return a
}

// Ingest stores raw under key for the connection, creating intermediate
// nodes as needed and overwriting any previous value. It never fails.
func (t *Tree) Ingest(connectionID uuid.UUID, key string, raw any) {
	text := model.Text(raw)
	a := t.arena(connectionID, true)

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := rootIndex
	for _, seg := range strings.Split(key, Separator) {
		cur = a.child(cur, seg)
	}
	a.nodes[cur].value = text
	a.nodes[cur].hasValue = true
}

// Lookup returns the text stored under key for the connection.
func (t *Tree) Lookup(connectionID uuid.UUID, key string) (string, bool) {
	a := t.arena(connectionID, false)
	if a == nil {
		return "", false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	idx, ok := a.find(key)
	if !ok || !a.nodes[idx].hasValue {
		return "", false
	}
	return a.nodes[idx].value, true
}

// SetLabel sets the display label of a connection's subtree, creating the
// subtree if needed.
func (t *Tree) SetLabel(connectionID uuid.UUID, label string) {
	a := t.arena(connectionID, true)
	a.mu.Lock()
	a.label = label
	a.mu.Unlock()
}

// Retain drops the subtrees of every connection not in ids and returns the
// ids it removed.
func (t *Tree) Retain(ids []uuid.UUID) []uuid.UUID {
	keep := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []uuid.UUID
	for id := range t.arenas {
		if _, ok := keep[id]; !ok {
			delete(t.arenas, id)
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].String() < removed[j].String() })
	return removed
}

// Remove drops the subtree of id and reports whether there was one.
func (t *Tree) Remove(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.arenas[id]
	delete(t.arenas, id)
	return ok
}

// Connections returns the ids that have a subtree, sorted.
func (t *Tree) Connections() []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(t.arenas))
	for id := range t.arenas {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of nodes under a connection, its root excluded.
func (t *Tree) Len(connectionID uuid.UUID) int {
	a := t.arena(connectionID, false)
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes) - 1
}

// Keys returns every key that holds a value for the connection, sorted.
func (t *Tree) Keys(connectionID uuid.UUID) []string {
	a := t.arena(connectionID, false)
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var keys []string
	for i := 1; i < len(a.nodes); i++ {
		if a.nodes[i].hasValue {
			keys = append(keys, a.path(int32(i)))
		}
	}
	sort.Strings(keys)
	return keys
}

func (a *arena) path(idx int32) string {
	var segs []string
	for cur := idx; cur != rootIndex; cur = a.nodes[cur].parent {
		segs = append(segs, a.nodes[cur].name)
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, Separator)
}
