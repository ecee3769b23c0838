package validation

import (
	"strings"
	"sync"
	"testing"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procgraph/pkg/schema"
)

func intPtr(v int) *int { return &v }

// s -> sp(xor) -> a | c[cs -> ce] -> e
func sampleDefinition() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		UUID:  "4f1c2a9e-8d3b-4c55-9a7e-1b2c3d4e5f60",
		Name:  "claims",
		Owner: "ops",
		Roles: []string{"adjuster"},
		Nodes: []schema.NodeDefinition{
			{ID: "s", Type: schema.NodeTypeStart, Successors: []string{"sp"}},
			{
				ID: "sp", Type: schema.NodeTypeSplit, Min: intPtr(1), Max: intPtr(1),
				Branches: []schema.BranchDefinition{
					{To: "a", Condition: schema.ConditionDefinition{Expr: "data.amount < 100"}},
					{To: "c", Condition: schema.ConditionDefinition{Lang: "expr", Expr: "data.amount >= 100"}},
				},
			},
			{ID: "a", Type: schema.NodeTypeActivity, Label: "auto approve", Successors: []string{"j"}},
			{ID: "c", Type: schema.NodeTypeActivity, Child: "review", Successors: []string{"j"}},
			{ID: "j", Type: schema.NodeTypeJoin, Min: intPtr(1), Max: intPtr(1), Successors: []string{"e"}},
			{ID: "e", Type: schema.NodeTypeEnd},
			{ID: "cs", Type: schema.NodeTypeStart, Model: "review", Successors: []string{"ce"}},
			{ID: "ce", Type: schema.NodeTypeEnd, Model: "review"},
		},
		Children: []schema.ChildDefinition{{
			ID:      "review",
			Imports: []schema.ImportDefinition{{Name: "amount", RefNode: "s", RefName: "amount"}},
			Exports: []schema.ExportDefinition{{Name: "verdict", From: "cs"}},
		}},
	}
}

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v := newValidator(t)
	assert.NotNil(t, v.processSchema)
}

func TestValidateDefinition_Nil(t *testing.T) {
	err := newValidator(t).ValidateDefinition(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "nil")
}

func TestValidateDefinition_Valid(t *testing.T) {
	assert.NoError(t, newValidator(t).ValidateDefinition(sampleDefinition()))
}

func TestValidateDefinition_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *schema.ProcessDefinition)
		want   string
	}{
		{"missing name", func(d *schema.ProcessDefinition) { d.Name = "" }, "/name"},
		{"too few nodes", func(d *schema.ProcessDefinition) { d.Nodes = d.Nodes[:1] }, "/nodes"},
		{"bad uuid", func(d *schema.ProcessDefinition) { d.UUID = "not-a-uuid" }, "/uuid"},
		{"unknown type", func(d *schema.ProcessDefinition) { d.Nodes[2].Type = "task" }, "/nodes/2/type"},
		{"bad id", func(d *schema.ProcessDefinition) { d.Nodes[2].ID = "auto approve" }, "/nodes/2/id"},
		{"negative bound", func(d *schema.ProcessDefinition) { d.Nodes[1].Min = intPtr(-1) }, "/nodes/1/min"},
		{"unknown language", func(d *schema.ProcessDefinition) { d.Nodes[1].Branches[0].Condition.Lang = "lua" }, "/nodes/1/branches/0/condition/lang"},
		{"empty expression", func(d *schema.ProcessDefinition) { d.Nodes[1].Branches[1].Condition.Expr = "" }, "/nodes/1/branches/1/condition/expr"},
		{"import without node", func(d *schema.ProcessDefinition) { d.Children[0].Imports[0].RefNode = "" }, "/children/0/imports/0/ref_node"},
	}
	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := sampleDefinition()
			tt.mutate(def)
			err := v.ValidateDefinition(def)
			require.Error(t, err)
			var pe *schema.ProcError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, schema.ErrCodeValidation, pe.Code)
			violations, ok := pe.Details["violations"].([]string)
			require.True(t, ok)
			assert.True(t, hasPrefix(violations, tt.want), "violations %v lack %s", violations, tt.want)
		})
	}
}

func hasPrefix(violations []string, loc string) bool {
	for _, v := range violations {
		if strings.HasPrefix(v, loc+":") {
			return true
		}
	}
	return false
}

func TestValidateDocument_UnknownField(t *testing.T) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(`{
		"name": "x",
		"steps": [],
		"nodes": [{"id": "s", "type": "start"}, {"id": "e", "type": "end", "timeout": "5s"}]
	}`))
	require.NoError(t, err)

	err = newValidator(t).ValidateDocument(doc)
	require.Error(t, err)
	assert.Equal(t, "validation failed with 2 errors", err.(*schema.ProcError).Message)
}

func TestValidateData(t *testing.T) {
	dataSchema := []byte(`{
		"type": "object",
		"required": ["amount"],
		"properties": {
			"amount": {"type": "integer", "minimum": 0},
			"email": {"type": "string", "format": "email"}
		}
	}`)
	tests := []struct {
		name  string
		data  map[string]any
		valid bool
	}{
		{"valid", map[string]any{"amount": 10, "email": "a@example.com"}, true},
		{"missing required", map[string]any{}, false},
		{"nil data", nil, false},
		{"below minimum", map[string]any{"amount": -1}, false},
		{"wrong type", map[string]any{"amount": "ten"}, false},
		{"bad format", map[string]any{"amount": 1, "email": "nope"}, false},
	}
	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateData(tt.data, dataSchema)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestValidateData_EmptySchema(t *testing.T) {
	assert.NoError(t, newValidator(t).ValidateData(map[string]any{"x": 1}, nil))
}

func TestValidateData_InvalidSchema(t *testing.T) {
	err := newValidator(t).ValidateData(map[string]any{}, []byte(`{`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "invalid data schema")
}

func TestValidateData_SchemaCaching(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type": "object"}`)
	require.NoError(t, v.ValidateData(map[string]any{}, s))
	require.NoError(t, v.ValidateData(map[string]any{"a": 1}, s))
	assert.Len(t, v.cache, 1)

	require.NoError(t, v.ValidateData(map[string]any{}, []byte(`{"type": "object", "minProperties": 0}`)))
	assert.Len(t, v.cache, 2)
}

func TestValidateData_Concurrent(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type": "object", "properties": {"n": {"type": "integer", "maximum": 50}}}`)
	var wg sync.WaitGroup
	errs := make([]error, 100)
	for i := range 100 {
		wg.Go(func() {
			errs[i] = v.ValidateData(map[string]any{"n": i}, s)
		})
	}
	wg.Wait()
	for i, err := range errs {
		if i <= 50 {
			assert.NoError(t, err, "n=%d", i)
		} else {
			assert.Error(t, err, "n=%d", i)
		}
	}
	assert.Len(t, v.cache, 1)
}

func TestJSONSchemaValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*DefinitionValidator)(nil)
}
