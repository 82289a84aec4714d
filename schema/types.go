package schema

import (
	"fmt"
	"strings"
)

// ValueType is the scalar type carried by a leaf.
type ValueType uint8

const (
	// TypeUnset marks a node without a value type (a group).
	TypeUnset ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
)

var typeNames = map[ValueType]string{
	TypeBool:   "bool",
	TypeInt:    "int",
	TypeFloat:  "float",
	TypeString: "string",
}

// String returns the stable persisted name of the type.
func (vt ValueType) String() string {
	if name, ok := typeNames[vt]; ok {
		return name
	}
	if vt == TypeUnset {
		return ""
	}
	return fmt.Sprintf("ValueType(%d)", uint8(vt))
}

// Valid reports whether vt is one of the supported leaf types.
func (vt ValueType) Valid() bool {
	_, ok := typeNames[vt]
	return ok
}

// ParseValueType maps a persisted type name back to its ValueType.
// Names are matched case-insensitively; "double" is accepted as an
// alias of "float".
func ParseValueType(name string) (ValueType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bool", "boolean":
		return TypeBool, true
	case "int", "integer":
		return TypeInt, true
	case "float", "double":
		return TypeFloat, true
	case "string":
		return TypeString, true
	}
	return TypeUnset, false
}

// SupportedTypes lists the leaf types in declaration order.
func SupportedTypes() []ValueType {
	return []ValueType{TypeBool, TypeInt, TypeFloat, TypeString}
}
