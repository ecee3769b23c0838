package validation

import (
	"errors"

	"github.com/rendis/procgraph/pkg/schema"
)

// DefinitionValidator runs the document validation pipeline:
//  1. structural (JSON Schema)
//  2. semantic (ids, child references, per-type fields)
//  3. conditions (compiled by the configured evaluator)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions ConditionCompiler
}

// NewDefinitionValidator creates a DefinitionValidator. conditions may be nil
// to skip compiling conditions.
func NewDefinitionValidator(conditions ConditionCompiler) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, conditions: conditions}, nil
}

// Validate runs the pipeline. Structural errors skip the later stages.
func (dv *DefinitionValidator) Validate(def *schema.ProcessDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "process definition is nil")
		return r
	}

	result := validateStructural(dv.jsonSchema, def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def))
	if result.Valid() && dv.conditions != nil {
		result.Merge(validateConditions(def, dv.conditions))
	}
	return result
}

// ValidateDefinition satisfies Validator.
func (dv *DefinitionValidator) ValidateDefinition(def *schema.ProcessDefinition) error {
	return dv.Validate(def).ToError()
}

// ValidateData delegates to the JSON Schema validator.
func (dv *DefinitionValidator) ValidateData(data map[string]any, dataSchema []byte) error {
	return dv.jsonSchema.ValidateData(data, dataSchema)
}

// Schema returns the underlying JSON Schema validator.
func (dv *DefinitionValidator) Schema() *JSONSchemaValidator { return dv.jsonSchema }

func validateStructural(v *JSONSchemaValidator, def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var pe *schema.ProcError
	if !errors.As(err, &pe) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := pe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, pe.Message)
	return result
}
