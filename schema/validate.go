package schema

import (
	"strings"

	"github.com/c360/topicmodel/errors"
)

// Validate checks the structural rules of a schema tree and returns the
// first violation as an *errors.SchemaError.
func Validate(root *Node) error {
	if root == nil {
		return &errors.SchemaError{Reason: "schema is empty"}
	}
	if !root.IsGroup() {
		return errors.NewSchemaError(root.Label, "root must be a group")
	}
	return validateNode(root.Label, root)
}

func validateNode(path string, n *Node) error {
	if strings.TrimSpace(n.Label) == "" {
		return errors.NewSchemaError(path, "label must not be empty")
	}

	if n.IsGroup() {
		if n.Key != "" {
			return errors.NewSchemaError(path, "group must not declare a key")
		}
		if n.ValueType != TypeUnset {
			return errors.NewSchemaError(path, "group must not declare a value type")
		}
		seen := make(map[string]struct{}, len(n.Children))
		for _, c := range n.Children {
			if c == nil {
				return errors.NewSchemaError(path, "group contains a nil child")
			}
			if _, dup := seen[c.Label]; dup {
				return errors.NewSchemaError(path, "duplicate child label %q", c.Label)
			}
			seen[c.Label] = struct{}{}
			if err := validateNode(path+"/"+c.Label, c); err != nil {
				return err
			}
		}
		return nil
	}

	if n.Key == "" {
		if n.ValueType == TypeUnset {
			return errors.NewSchemaError(path, "node is neither a group nor a leaf")
		}
		return errors.NewSchemaError(path, "leaf must declare a key")
	}
	if strings.ContainsAny(n.Key, "+#") {
		return errors.NewSchemaError(path, "leaf key %q must not contain wildcards", n.Key)
	}
	if !n.ValueType.Valid() {
		se := errors.NewSchemaError(path, "unsupported value type %s", n.ValueType)
		if n.ValueType == TypeUnset {
			se.Reason = "leaf must declare a value type"
		}
		se.Err = errors.ErrUnsupportedType
		return se
	}
	return nil
}
