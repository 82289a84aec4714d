// Package schema defines the user-authored tree that declares the shape of
// the data model: groups of named children and typed leaves bound to a key
// on one connection or on any connection.
package schema

import (
	"strings"

	"github.com/google/uuid"
)

// RootLabel is the label of the default root group.
const RootLabel = "Root"

// Wildcard is the connection address of a leaf that accepts updates from
// any connection.
var Wildcard = uuid.Nil

// Node is one element of a schema tree. A node with a non-nil Children
// slice (possibly empty) is a group; a node with nil Children is a leaf and
// must carry a Key and a ValueType.
type Node struct {
	Label         string
	ConnectionID  uuid.UUID
	Key           string
	ValueType     ValueType
	GenerateEvent bool
	Children      []*Node
}

// Group builds a group node. The children slice is never nil, so a group
// without children stays a group.
func Group(label string, children ...*Node) *Node {
	if children == nil {
		children = []*Node{}
	}
	return &Node{Label: label, Children: children}
}

// Leaf builds a wildcard leaf.
func Leaf(label, key string, vt ValueType) *Node {
	return &Node{Label: label, Key: key, ValueType: vt}
}

// BoundLeaf builds a leaf that only accepts updates from one connection.
func BoundLeaf(label string, connectionID uuid.UUID, key string, vt ValueType) *Node {
	return &Node{Label: label, ConnectionID: connectionID, Key: key, ValueType: vt}
}

// WithEvents marks a leaf as emitting change events and returns it.
func (n *Node) WithEvents() *Node {
	n.GenerateEvent = true
	return n
}

// IsGroup reports whether n is a group.
func (n *Node) IsGroup() bool {
	return n.Children != nil
}

// IsWildcard reports whether a leaf accepts updates from any connection.
func (n *Node) IsWildcard() bool {
	return n.ConnectionID == Wildcard
}

// Child returns the direct child with the given label.
func (n *Node) Child(label string) *Node {
	for _, c := range n.Children {
		if c.Label == label {
			return c
		}
	}
	return nil
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	if n.Children != nil {
		cp.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			cp.Children[i] = c.Clone()
		}
	}
	return &cp
}

// RootDefault returns the schema used when none is persisted: an empty
// group labelled "Root".
func RootDefault() *Node {
	return Group(RootLabel)
}

// JoinPath joins label segments into a node path.
func JoinPath(labels ...string) string {
	return strings.Join(labels, "/")
}
