package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/topicmodel/errors"
)

// documentSchema describes the persisted JSON form of a schema tree.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "node": {
      "type": "object",
      "required": ["label"],
      "additionalProperties": false,
      "properties": {
        "label": {"type": "string", "minLength": 1},
        "connectionId": {
          "type": "string",
          "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
        },
        "key": {"type": "string", "minLength": 1},
        "valueType": {"type": "string"},
        "generateEvent": {"type": "boolean"},
        "children": {"type": "array", "items": {"$ref": "#/definitions/node"}}
      }
    }
  },
  "$ref": "#/definitions/node"
}`

var (
	documentOnce   sync.Once
	documentLoaded *gojsonschema.Schema
	documentErr    error
)

func compiledDocumentSchema() (*gojsonschema.Schema, error) {
	documentOnce.Do(func() {
		documentLoaded, documentErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return documentLoaded, documentErr
}

// ValidateDocument checks a raw JSON document against the persisted schema
// format before it is decoded. Violations are reported together in one
// SchemaError.
func ValidateDocument(data []byte) error {
	s, err := compiledDocumentSchema()
	if err != nil {
		return errors.Wrap(err, "schema", "ValidateDocument", "load document schema")
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &errors.SchemaError{Reason: fmt.Sprintf("malformed document: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", re.Field(), re.Description()))
	}
	return &errors.SchemaError{Reason: strings.Join(problems, "; ")}
}

// DocumentSchema returns the JSON Schema of the persisted format.
func DocumentSchema() string {
	return documentSchema
}
