package generate

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// draftSchema is the structural contract a generated template must meet
// before it is decoded. Semantic checks (compilable patterns, known field
// references) are left to model.Template.Validate.
const draftSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["componentType", "pagePatterns", "specFields"],
  "properties": {
    "templateId": {"type": "string"},
    "componentType": {"type": "string", "minLength": 1},
    "category": {"type": "string"},
    "pagePatterns": {
      "type": "object",
      "properties": {
        "titleKeywords": {"type": "array", "items": {"type": "string"}},
        "urlPatterns": {"type": "array", "items": {"type": "string"}},
        "htmlMarkers": {"type": "array", "items": {"type": "string"}}
      },
      "anyOf": [
        {"properties": {"titleKeywords": {"minItems": 1}}, "required": ["titleKeywords"]},
        {"properties": {"urlPatterns": {"minItems": 1}}, "required": ["urlPatterns"]},
        {"properties": {"htmlMarkers": {"minItems": 1}}, "required": ["htmlMarkers"]}
      ]
    },
    "specFields": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "extractionRules", "normalization"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "required": {"type": "boolean"},
          "extractionRules": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["kind"],
              "properties": {
                "kind": {"enum": ["pattern", "selector", "table", "title"]},
                "fallback": {"enum": ["", "pattern", "selector", "table", "title"]},
                "keyColumn": {"type": "integer", "minimum": 0},
                "valueColumn": {"type": "integer", "minimum": 0},
                "matchMode": {"enum": ["", "substring", "exact"]}
              }
            }
          },
          "normalization": {
            "type": "object",
            "required": ["kind"],
            "properties": {
              "kind": {"enum": ["enum", "dimension", "pressure", "temperature", "string"]},
              "values": {"type": "array", "items": {"type": "string"}},
              "unit": {"type": "string"}
            }
          }
        }
      }
    },
    "validation": {
      "type": "object",
      "properties": {
        "requiredFields": {"type": "array", "items": {"type": "string"}},
        "fieldDependencies": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["field", "requires"],
            "properties": {
              "field": {"type": "string"},
              "requires": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("draft-template.json", bytes.NewReader([]byte(draftSchema))); err != nil {
		return nil, eris.Wrap(err, "generate: add schema")
	}
	s, err := c.Compile("draft-template.json")
	if err != nil {
		return nil, eris.Wrap(err, "generate: compile schema")
	}
	return s, nil
})

// ValidateDraftJSON checks raw generator output against the draft template
// schema.
func ValidateDraftJSON(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "generate: draft is not json")
	}
	if err := schema.Validate(v); err != nil {
		return eris.Wrap(err, "generate: draft does not match schema")
	}
	return nil
}
