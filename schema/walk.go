package schema

// Visit is called for every node during a walk. path is the label path of
// the node, root included.
type Visit func(path string, n *Node)

// Walk visits the tree breadth-first, the order used to plan subscriptions.
func Walk(root *Node, visit Visit) {
	if root == nil {
		return
	}
	type item struct {
		path string
		node *Node
	}
	queue := []item{{path: root.Label, node: root}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		visit(it.path, it.node)
		for _, c := range it.node.Children {
			queue = append(queue, item{path: it.path + "/" + c.Label, node: c})
		}
	}
}

// LeafRef is a leaf together with its path.
type LeafRef struct {
	Path string
	Node *Node
}

// Leaves returns every leaf in breadth-first order.
func Leaves(root *Node) []LeafRef {
	var out []LeafRef
	Walk(root, func(path string, n *Node) {
		if !n.IsGroup() {
			out = append(out, LeafRef{Path: path, Node: n})
		}
	})
	return out
}
