package validation

import (
	"fmt"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// ConditionCompiler checks that a condition parses in its language.
type ConditionCompiler interface {
	Compile(c model.Condition) error
}

// validateSemantic checks what the JSON Schema cannot: unique ids, references
// to declared child models and fields that do not apply to a node's type.
// Graph structure is left to the model builder.
func validateSemantic(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	children := make(map[string]bool, len(def.Children))
	for i, c := range def.Children {
		if children[c.ID] {
			result.AddErrorf(fmt.Sprintf("children[%d].id", i), schema.ErrCodeDuplicateID, "duplicate child model id %q", c.ID)
		}
		children[c.ID] = true
	}

	seen := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if seen[n.ID] {
			result.AddErrorf(path+".id", schema.ErrCodeDuplicateID, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = true

		if n.Model != "" && !children[n.Model] {
			result.AddErrorf(path+".model", schema.ErrCodeDanglingRef, "node %q belongs to undeclared child model %q", n.ID, n.Model)
		}
		if n.Child != "" && !children[n.Child] {
			result.AddErrorf(path+".child", schema.ErrCodeDanglingRef, "composite %q references undeclared child model %q", n.ID, n.Child)
		}
		validateFields(n, path, result)
	}
	return result
}

// validateFields rejects type-specific fields on nodes of another type.
func validateFields(n *schema.NodeDefinition, path string, result *schema.ValidationResult) {
	misplaced := func(field string, set bool) {
		if set {
			result.AddErrorf(path+"."+field, schema.ErrCodeValidation, "%s node %q cannot have %s", n.Type, n.ID, field)
		}
	}
	isActivity := n.Type == schema.NodeTypeActivity
	isSplit := n.Type == schema.NodeTypeSplit
	isJoin := n.Type == schema.NodeTypeJoin

	misplaced("condition", n.Condition != nil && !isActivity)
	misplaced("child", n.Child != "" && !isActivity)
	misplaced("message", n.Message != "" && !isActivity)
	misplaced("min", n.Min != nil && !isSplit && !isJoin)
	misplaced("max", n.Max != nil && !isSplit && !isJoin)
	misplaced("optional", n.Optional && !isSplit && !isJoin)
	misplaced("multi_merge", n.MultiMerge && !isJoin)
	misplaced("branches", len(n.Branches) > 0 && !isSplit)

	if isActivity && n.Child != "" && n.Condition != nil {
		result.AddWarning(path+".condition", schema.ErrCodeValidation,
			fmt.Sprintf("composite %q has a condition; it gates the whole child model", n.ID))
	}

	targets := make(map[string]bool, len(n.Branches))
	for j, b := range n.Branches {
		bpath := fmt.Sprintf("%s.branches[%d]", path, j)
		if targets[b.To] {
			result.AddErrorf(bpath+".to", schema.ErrCodeDuplicateID, "split %q has two branches to %q", n.ID, b.To)
		}
		targets[b.To] = true
	}
}

// validateConditions compiles every activity and branch condition.
func validateConditions(def *schema.ProcessDefinition, compiler ConditionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	check := func(path string, c schema.ConditionDefinition) {
		if err := compiler.Compile(model.Condition{Lang: c.Lang, Expr: c.Expr}); err != nil {
			result.AddErrorf(path, schema.ErrCodeCondition, "condition %q does not compile: %v", c.Expr, err)
		}
	}
	for i, n := range def.Nodes {
		if n.Condition != nil {
			check(fmt.Sprintf("nodes[%d].condition", i), *n.Condition)
		}
		for j, b := range n.Branches {
			check(fmt.Sprintf("nodes[%d].branches[%d].condition", i, j), b.Condition)
		}
	}
	return result
}
