package schema

import (
	"bytes"
	"encoding/json"
	stderrors "errors"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c360/topicmodel/errors"
)

// wireNode is the persisted form of a Node. Children is a pointer so that
// an empty group ("children": []) survives a round trip and stays distinct
// from a leaf, which omits the field.
type wireNode struct {
	Label         string       `json:"label" yaml:"label"`
	ConnectionID  string       `json:"connectionId,omitempty" yaml:"connectionId,omitempty"`
	Key           string       `json:"key,omitempty" yaml:"key,omitempty"`
	ValueType     string       `json:"valueType,omitempty" yaml:"valueType,omitempty"`
	GenerateEvent bool         `json:"generateEvent,omitempty" yaml:"generateEvent,omitempty"`
	Children      *[]*wireNode `json:"children,omitempty" yaml:"children,omitempty"`
}

func toWire(n *Node) *wireNode {
	w := &wireNode{
		Label:         n.Label,
		Key:           n.Key,
		ValueType:     n.ValueType.String(),
		GenerateEvent: n.GenerateEvent,
	}
	if n.ConnectionID != Wildcard {
		w.ConnectionID = n.ConnectionID.String()
	}
	if n.Children != nil {
		children := make([]*wireNode, len(n.Children))
		for i, c := range n.Children {
			children[i] = toWire(c)
		}
		w.Children = &children
	}
	return w
}

func fromWire(path string, w *wireNode) (*Node, error) {
	if w == nil {
		return nil, errors.NewSchemaError(path, "node is null")
	}
	n := &Node{
		Label:         w.Label,
		Key:           w.Key,
		GenerateEvent: w.GenerateEvent,
	}
	if w.ConnectionID != "" {
		id, err := uuid.Parse(w.ConnectionID)
		if err != nil {
			return nil, errors.NewSchemaError(path, "invalid connection id %q", w.ConnectionID)
		}
		n.ConnectionID = id
	}
	if w.ValueType != "" {
		vt, ok := ParseValueType(w.ValueType)
		if !ok {
			se := errors.NewSchemaError(path, "unsupported value type %q", w.ValueType)
			se.Err = errors.ErrUnsupportedType
			return nil, se
		}
		n.ValueType = vt
	}
	if w.Children != nil {
		n.Children = make([]*Node, 0, len(*w.Children))
		for _, wc := range *w.Children {
			childPath := path + "/"
			if wc != nil {
				childPath += wc.Label
			}
			c, err := fromWire(childPath, wc)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, c)
		}
	}
	return n, nil
}

// MarshalJSON implements json.Marshaler.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(n))
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := fromWire(w.Label, &w)
	if err != nil {
		return err
	}
	*n = *decoded
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (n *Node) MarshalYAML() (any, error) {
	return toWire(n), nil
}

// wireFields are the keys a persisted node may carry.
var wireFields = map[string]bool{
	"label":         true,
	"connectionId":  true,
	"key":           true,
	"valueType":     true,
	"generateEvent": true,
	"children":      true,
}

// checkYAMLFields rejects keys a node does not have, on value and every
// node below it. yaml.v3 does not apply KnownFields inside custom
// unmarshalers, so the walk is done here.
func checkYAMLFields(path string, value *yaml.Node) error {
	for value.Kind == yaml.AliasNode && value.Alias != nil {
		value = value.Alias
	}
	if value.Kind != yaml.MappingNode {
		return nil
	}
	label := ""
	var children *yaml.Node
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		switch {
		case !wireFields[k.Value]:
			return errors.NewSchemaError(path, "line %d: unknown field %q", k.Line, k.Value)
		case k.Value == "label":
			label = v.Value
		case k.Value == "children":
			children = v
		}
	}
	if path == "" {
		path = label
	}
	if children == nil || children.Kind != yaml.SequenceNode {
		return nil
	}
	for _, c := range children.Content {
		childPath := path + "/"
		if c.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(c.Content); i += 2 {
				if c.Content[i].Value == "label" {
					childPath += c.Content[i+1].Value
				}
			}
		}
		if err := checkYAMLFields(childPath, c); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Unknown keys are rejected.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	if err := checkYAMLFields("", value); err != nil {
		return err
	}
	var w wireNode
	if err := value.Decode(&w); err != nil {
		return err
	}
	decoded, err := fromWire(w.Label, &w)
	if err != nil {
		return err
	}
	*n = *decoded
	return nil
}

// DecodeJSON parses and validates a JSON schema document.
func DecodeJSON(data []byte) (*Node, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &errors.SchemaError{Reason: "schema document is empty"}
	}
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}
	var root Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, asSchemaError(err)
	}
	if err := Validate(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// EncodeJSON renders root as indented JSON.
func EncodeJSON(root *Node) ([]byte, error) {
	if err := Validate(root); err != nil {
		return nil, err
	}
	return json.MarshalIndent(root, "", "  ")
}

// DecodeYAML parses and validates a YAML schema document.
func DecodeYAML(data []byte) (*Node, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &errors.SchemaError{Reason: "schema document is empty"}
	}
	var root Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, asSchemaError(err)
	}
	if err := Validate(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// EncodeYAML renders root as YAML.
func EncodeYAML(root *Node) ([]byte, error) {
	if err := Validate(root); err != nil {
		return nil, err
	}
	return yaml.Marshal(root)
}

func asSchemaError(err error) error {
	var se *errors.SchemaError
	if stderrors.As(err, &se) {
		return se
	}
	return &errors.SchemaError{Reason: err.Error()}
}
