package trace

import (
	"context"
	"fmt"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// Scenario is a model together with traces it must accept and traces it
// must reject. Traces use the ParseTrace syntax.
type Scenario struct {
	Name    string
	Model   model.Builder
	Accept  []string
	Reject  []string
	Options []Option
}

// Report summarizes a scenario run.
type Report struct {
	Name     string
	Checked  int
	Failures []string
}

// OK reports whether every trace was judged as expected.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// CheckScenario builds the scenario's model pedantically and checks every
// trace. Misjudged traces are listed in the report; an error means the
// scenario itself is malformed.
func (c *Checker) CheckScenario(ctx context.Context, sc Scenario) (*Report, error) {
	m, err := sc.Model.Build(true)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "scenario %s: model does not build", sc.Name).WithCause(err)
	}
	rep := &Report{Name: sc.Name}
	check := func(text string, want bool) error {
		steps, err := ParseTrace(text)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "scenario %s: trace %q", sc.Name, text).WithCause(err)
		}
		rep.Checked++
		v := c.Check(ctx, m, steps, sc.Options...)
		switch {
		case want && !v.Valid:
			rep.Failures = append(rep.Failures, fmt.Sprintf("accept %q: %s", text, v.Reason))
		case !want && v.Valid:
			rep.Failures = append(rep.Failures, fmt.Sprintf("reject %q: trace was accepted", text))
		}
		return nil
	}
	for _, text := range sc.Accept {
		if err := check(text, true); err != nil {
			return nil, err
		}
	}
	for _, text := range sc.Reject {
		if err := check(text, false); err != nil {
			return nil, err
		}
	}
	return rep, nil
}
