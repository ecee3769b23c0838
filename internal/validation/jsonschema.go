package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/procgraph/pkg/schema"
)

const processSchemaURL = "https://procgraph.dev/schemas/process.json"

// processSchemaJSON is the JSON Schema of a ProcessDefinition document.
const processSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procgraph.dev/schemas/process.json",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "uuid": {
      "type": "string",
      "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
    },
    "name": { "type": "string", "minLength": 1 },
    "owner": { "type": "string" },
    "roles": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "nodes": {
      "type": "array",
      "minItems": 2,
      "items": { "$ref": "#/$defs/node" }
    },
    "children": {
      "type": "array",
      "items": { "$ref": "#/$defs/child" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "id": {
      "type": "string",
      "pattern": "^[A-Za-z0-9_.:-]+$"
    },
    "ids": {
      "type": "array",
      "items": { "$ref": "#/$defs/id" }
    },
    "bound": {
      "type": "integer",
      "minimum": 0
    },
    "condition": {
      "type": "object",
      "required": ["expr"],
      "properties": {
        "lang": { "type": "string", "enum": ["cel", "expr", "jq"] },
        "expr": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "$ref": "#/$defs/id" },
        "type": {
          "type": "string",
          "enum": ["start", "activity", "split", "join", "end"]
        },
        "label": { "type": "string" },
        "model": { "$ref": "#/$defs/id" },
        "predecessors": { "$ref": "#/$defs/ids" },
        "successors": { "$ref": "#/$defs/ids" },
        "multi_instance": { "type": "boolean" },
        "condition": { "$ref": "#/$defs/condition" },
        "child": { "$ref": "#/$defs/id" },
        "message": { "type": "string" },
        "min": { "$ref": "#/$defs/bound" },
        "max": { "$ref": "#/$defs/bound" },
        "optional": { "type": "boolean" },
        "multi_merge": { "type": "boolean" },
        "branches": {
          "type": "array",
          "items": { "$ref": "#/$defs/branch" }
        }
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["to", "condition"],
      "properties": {
        "to": { "$ref": "#/$defs/id" },
        "condition": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    },
    "child": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "$ref": "#/$defs/id" },
        "imports": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "ref_node"],
            "properties": {
              "name": { "type": "string", "minLength": 1 },
              "ref_node": { "$ref": "#/$defs/id" },
              "ref_name": { "type": "string" }
            },
            "additionalProperties": false
          }
        },
        "exports": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": { "type": "string", "minLength": 1 },
              "from": { "$ref": "#/$defs/id" }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definition documents against the process
// schema and instance data against caller-supplied schemas. It is safe for
// concurrent use.
type JSONSchemaValidator struct {
	processSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the process schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(processSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal process schema: %w", err)
	}
	if err := c.AddResource(processSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add process schema resource: %w", err)
	}
	compiled, err := c.Compile(processSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile process schema: %w", err)
	}
	return &JSONSchemaValidator{
		processSchema: compiled,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks the shape of a definition document.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.ProcessDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "process definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize process definition").WithCause(err)
	}
	return v.ValidateDocument(doc)
}

// ValidateDocument checks an already decoded JSON value against the process
// schema. Numbers must be json.Number, as produced by jsonschema.UnmarshalJSON.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if err := v.processSchema.Validate(doc); err != nil {
		return toProcError(err)
	}
	return nil
}

// ValidateData validates instance data against a JSON Schema given as raw
// bytes. Compiled schemas are cached by their text. An empty schema accepts
// everything.
func (v *JSONSchemaValidator) ValidateData(data map[string]any, dataSchema []byte) error {
	if len(dataSchema) == 0 {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	compiled, err := v.getOrCompile(dataSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid data schema").WithCause(err)
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize instance data").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toProcError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("procgraph://data-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toProcError flattens a jsonschema validation error into a ProcError whose
// details list one violation per leaf cause.
func toProcError(err error) *schema.ProcError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
