package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// Evaluator routes node conditions to the engine named by Condition.Lang and
// reduces the engine result to a boolean.
type Evaluator struct {
	engines     map[string]Engine
	defaultLang string
}

// NewEvaluator builds an evaluator with the CEL, expr and jq engines.
// defaultLang is used for conditions without a language; "" means cel.
func NewEvaluator(defaultLang string) (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	if defaultLang == "" {
		defaultLang = celEngine.Name()
	}
	ev := &Evaluator{engines: make(map[string]Engine), defaultLang: defaultLang}
	for _, e := range []Engine{celEngine, NewExprEngine(), NewGoJQEngine()} {
		ev.engines[e.Name()] = e
	}
	if _, ok := ev.engines[defaultLang]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", defaultLang)
	}
	return ev, nil
}

// Register adds or replaces an engine under its name.
func (ev *Evaluator) Register(e Engine) {
	ev.engines[e.Name()] = e
}

// Languages lists the registered engine names.
func (ev *Evaluator) Languages() []string {
	out := make([]string, 0, len(ev.engines))
	for name := range ev.engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (ev *Evaluator) engine(lang string) (Engine, error) {
	if lang == "" {
		lang = ev.defaultLang
	}
	e, ok := ev.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", lang)
	}
	return e, nil
}

// Compile checks a condition without evaluating it.
func (ev *Evaluator) Compile(c model.Condition) error {
	e, err := ev.engine(c.Lang)
	if err != nil {
		return err
	}
	return e.Compile(c.Expr)
}

// CompileModel checks every condition of a built model and reports each
// broken one against its node.
func (ev *Evaluator) CompileModel(m *model.RootModel) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	check := func(id model.NodeID, c model.Condition) {
		if err := ev.Compile(c); err != nil {
			result.AddError(fmt.Sprintf("nodes[%s].condition", id), schema.ErrCodeCondition, err.Error())
		}
	}
	for _, n := range m.Nodes() {
		if a, ok := n.AsActivity(); ok && a.Condition != nil {
			check(n.ID(), *a.Condition)
		}
		if s, ok := n.AsSplit(); ok {
			for _, succ := range n.Successors() {
				if c, ok := s.Conditions[succ]; ok {
					check(n.ID(), c)
				}
			}
		}
	}
	return result
}

// Evaluate runs the condition and converts the result with Truthy.
func (ev *Evaluator) Evaluate(ctx context.Context, c model.Condition, data map[string]any) (bool, error) {
	e, err := ev.engine(c.Lang)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, c.Expr, data)
	if err != nil {
		return false, err
	}
	ok, err := Truthy(out)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "condition %s: %s", c, err.Error()).WithCause(err)
	}
	return ok, nil
}

// Truthy accepts booleans and nil (false). Any other result is an error:
// conditions must be predicates.
func Truthy(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("result %v of type %T is not a boolean", v, v)
	}
}
