// Package model compiles a schema tree into a typed runtime structure and a
// dispatch index that resolves (connection, key) pairs to field cells in
// constant time.
package model

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/schema"
)

// Group is a named collection of members. Its shape never changes after
// compilation.
type Group struct {
	label   string
	path    string
	members []Member
	byLabel map[string]Member
}

func (g *Group) Label() string { return g.label }
func (g *Group) Path() string { return g.path }

// Members returns the children in declaration order.
func (g *Group) Members() []Member {
	out := make([]Member, len(g.members))
	copy(out, g.members)
	return out
}

// Member returns the child with the given label, or nil.
func (g *Group) Member(label string) Member {
	return g.byLabel[label]
}

// Group returns the child group with the given label, or nil.
func (g *Group) Group(label string) *Group {
	sub, _ := g.byLabel[label].(*Group)
	return sub
}

// Field returns the child field with the given label, or nil.
func (g *Group) Field(label string) Field {
	f, _ := g.byLabel[label].(Field)
	return f
}

// Model is one compiled generation of the schema.
type Model struct {
	root   *Group
	fields []Field
	byPath map[string]Field
}

// Root returns the root group.
func (m *Model) Root() *Group { return m.root }

// Fields returns every field in depth-first declaration order.
func (m *Model) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

// Lookup returns the field at a label path such as "Root/Sensors/temp".
// The root label may be omitted.
func (m *Model) Lookup(path string) (Field, bool) {
	path = strings.Trim(path, "/")
	if f, ok := m.byPath[path]; ok {
		return f, true
	}
	f, ok := m.byPath[m.root.path+"/"+path]
	return f, ok
}

// Find returns the group or field at a label path. The root label may be
// omitted and an empty path is the root group.
func (m *Model) Find(path string) (Member, bool) {
	path = strings.Trim(path, "/")
	if path == "" || path == m.root.path {
		return m.root, true
	}
	labels := strings.Split(path, "/")
	if labels[0] == m.root.label {
		if member, ok := m.root.walk(labels[1:]); ok {
			return member, true
		}
	}
	return m.root.walk(labels)
}

func (g *Group) walk(labels []string) (Member, bool) {
	var cur Member = g
	for _, label := range labels {
		group, ok := cur.(*Group)
		if !ok {
			return nil, false
		}
		if cur = group.byLabel[label]; cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// Snapshot renders the current values as nested maps keyed by label.
func (m *Model) Snapshot() map[string]any {
	return snapshotGroup(m.root)
}

// Snapshot renders the current values below g.
func (g *Group) Snapshot() map[string]any {
	return snapshotGroup(g)
}

func snapshotGroup(g *Group) map[string]any {
	out := make(map[string]any, len(g.members))
	for _, member := range g.members {
		switch v := member.(type) {
		case *Group:
			out[v.label] = snapshotGroup(v)
		case Field:
			out[v.Label()] = v.Value()
		}
	}
	return out
}

// Address identifies an index entry. A zero ConnectionID is the wildcard.
type Address struct {
	ConnectionID uuid.UUID
	Key          string
}

func (a Address) String() string {
	if a.ConnectionID == schema.Wildcard {
		return "*:" + a.Key
	}
	return a.ConnectionID.String() + ":" + a.Key
}

// Index maps addresses to the cells of one model generation.
type Index struct {
	entries map[Address]Field
}

// Lookup resolves the exact (connection, key) pair first and falls back to
// the wildcard entry for key.
func (ix *Index) Lookup(connectionID uuid.UUID, key string) (Field, bool) {
	if f, ok := ix.entries[Address{ConnectionID: connectionID, Key: key}]; ok {
		return f, true
	}
	f, ok := ix.entries[Address{ConnectionID: schema.Wildcard, Key: key}]
	return f, ok
}

// Len returns the number of entries, which equals the number of leaves.
func (ix *Index) Len() int { return len(ix.entries) }

// Addresses returns every address, sorted by key then connection.
func (ix *Index) Addresses() []Address {
	out := make([]Address, 0, len(ix.entries))
	for a := range ix.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].ConnectionID.String() < out[j].ConnectionID.String()
	})
	return out
}

// Paths returns the field path registered under each address.
func (ix *Index) Paths() map[Address]string {
	out := make(map[Address]string, len(ix.entries))
	for a, f := range ix.entries {
		out[a] = f.Path()
	}
	return out
}

// Compile builds a model and its index from root in one depth-first pass.
// Every cell starts at its type's zero value. The schema is not modified
// and no reference to it is retained.
func Compile(root *schema.Node) (*Model, *Index, error) {
	if err := schema.Validate(root); err != nil {
		return nil, nil, err
	}

	c := &compiler{
		model: &Model{byPath: make(map[string]Field)},
		index: &Index{entries: make(map[Address]Field)},
	}
	c.model.root = c.group(root.Label, root)
	if c.err != nil {
		return nil, nil, c.err
	}
	return c.model, c.index, nil
}

type compiler struct {
	model *Model
	index *Index
	err   error
}

func (c *compiler) group(path string, n *schema.Node) *Group {
	g := &Group{
		label:   n.Label,
		path:    path,
		members: make([]Member, 0, len(n.Children)),
		byLabel: make(map[string]Member, len(n.Children)),
	}
	for _, child := range n.Children {
		if c.err != nil {
			return g
		}
		childPath := path + "/" + child.Label
		var m Member
		if child.IsGroup() {
			m = c.group(childPath, child)
		} else {
			f, err := c.field(childPath, child)
			if err != nil {
				c.err = err
				return g
			}
			m = f
		}
		g.members = append(g.members, m)
		g.byLabel[child.Label] = m
	}
	return g
}

func (c *compiler) field(path string, n *schema.Node) (Field, error) {
	decl := *n
	decl.Children = nil

	f, err := newField(path, &decl)
	if err != nil {
		return nil, err
	}

	addr := Address{ConnectionID: decl.ConnectionID, Key: decl.Key}
	if existing, dup := c.index.entries[addr]; dup {
		return nil, errors.NewSchemaError(path, "address %s already bound to %s", addr, existing.Path())
	}
	c.index.entries[addr] = f
	c.model.fields = append(c.model.fields, f)
	c.model.byPath[path] = f
	return f, nil
}

func newField(path string, decl *schema.Node) (Field, error) {
	switch decl.ValueType {
	case schema.TypeBool:
		return newCell(path, decl, CoerceBool), nil
	case schema.TypeInt:
		return newCell(path, decl, CoerceInt), nil
	case schema.TypeFloat:
		return newCell(path, decl, CoerceFloat), nil
	case schema.TypeString:
		return newCell(path, decl, CoerceString), nil
	}
	se := errors.NewSchemaError(path, "unsupported value type %s", decl.ValueType)
	se.Err = errors.ErrUnsupportedType
	return nil, se
}
