// Package trace replays claimed completion orders through the execution core
// and judges them valid or invalid.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/logging"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// maxSearchBranches caps the split fan-out whose subsets are searched.
// Larger splits only try the declaration-order policy.
const maxSearchBranches = 12

// Verdict is the outcome of checking a trace.
type Verdict struct {
	Valid  bool
	Reason string
	Code   string // error code of the rejected step
	// Step is the 0-based index of the rejected step, len(trace) when the
	// trace was rejected after its last step, -1 when it was never started.
	Step     int
	Complete bool // the instance completed
}

func (v Verdict) String() string {
	if v.Valid {
		if v.Complete {
			return "valid (complete)"
		}
		return "valid"
	}
	return "invalid: " + v.Reason
}

type options struct {
	data            map[string]any
	requireComplete bool
	deterministic   bool
}

// Option configures a single Check.
type Option func(*options)

// WithData seeds the instance data the conditions are evaluated against.
func WithData(data map[string]any) Option {
	return func(o *options) { o.data = data }
}

// WithRequireCompletion rejects traces that leave the instance unfinished.
func WithRequireCompletion() Option {
	return func(o *options) { o.requireComplete = true }
}

// WithDeterministicSplits makes unannotated split steps use only the
// declaration-order policy instead of searching every admissible choice.
func WithDeterministicSplits() Option {
	return func(o *options) { o.deterministic = true }
}

// Checker judges traces against models.
type Checker struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// NewChecker creates a Checker whose instances evaluate conditions with eval.
func NewChecker(eval engine.ConditionEvaluator, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		eng:    engine.New(engine.Config{Evaluator: eval, Logger: logger}),
		logger: logger,
	}
}

// Check replays trace on a fresh instance of m. A split step without an
// explicit choice is accepted when any choice within the split's bounds lets
// the rest of the trace replay; the declaration-order choice is tried first.
func (c *Checker) Check(ctx context.Context, m *model.RootModel, trace []Step, opts ...Option) Verdict {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ctx = logging.WithModelID(ctx, m.Name())

	in := c.eng.NewInstance(m, engine.InstanceOptions{ID: "trace", Data: o.data})
	if _, err := in.Start(ctx); err != nil {
		return Verdict{Reason: err.Error(), Code: schema.CodeOf(err), Step: -1}
	}
	v := c.walk(ctx, in, trace, 0, &o)

	logging.LogWith(ctx, c.logger).Debug("trace checked",
		"steps", len(trace), "valid", v.Valid, "complete", v.Complete, "reason", v.Reason)
	return v
}

func (c *Checker) walk(ctx context.Context, in *engine.Instance, trace []Step, i int, o *options) Verdict {
	for ; i < len(trace); i++ {
		if err := ctx.Err(); err != nil {
			return rejected(i, trace[i], err)
		}
		step := trace[i]
		key := resolve(in, step)
		if step.Choose == nil && !o.deterministic && isSplit(in.Model(), step.Node) {
			return c.search(ctx, in, key, trace, i, o)
		}
		if _, err := in.Complete(ctx, engine.Completion{Key: key, Choose: step.Choose}); err != nil {
			return rejected(i, step, err)
		}
	}
	return finish(in, len(trace), o)
}

// search tries every admissible choice of the split at trace[i] on a fork of
// in. The verdict that got furthest is returned when none succeeds.
func (c *Checker) search(ctx context.Context, in *engine.Instance, key engine.NodeInstanceKey, trace []Step, i int, o *options) Verdict {
	eligible, bounds, err := in.Eligible(ctx, key)
	if err != nil {
		return rejected(i, trace[i], err)
	}
	best := Verdict{Step: -2}
	for _, choice := range choices(eligible, bounds) {
		fork := in.Fork()
		var v Verdict
		if _, err := fork.Complete(ctx, engine.Completion{Key: key, Choose: choice}); err != nil {
			v = rejected(i, trace[i], err)
		} else {
			v = c.walk(ctx, fork, trace, i+1, o)
		}
		if v.Valid {
			return v
		}
		if v.Step > best.Step {
			best = v
		}
	}
	return best
}

// choices lists the branch sets a split may activate: nil (the
// declaration-order policy) first, then every other subset within bounds,
// smallest first.
func choices(eligible []model.NodeID, b model.Bounds) [][]model.NodeID {
	out := [][]model.NodeID{nil}
	if len(eligible) > maxSearchBranches {
		return out
	}
	def := eligible[:min(len(eligible), b.Max)]
	for size := b.Min; size <= min(b.Max, len(eligible)); size++ {
		for _, set := range combinations(eligible, size) {
			if len(def) >= b.Min && slices.Equal(set, def) {
				continue
			}
			out = append(out, set)
		}
	}
	return out
}

// combinations returns the size-element subsets of ids, preserving order.
func combinations(ids []model.NodeID, size int) [][]model.NodeID {
	if size == 0 {
		return [][]model.NodeID{{}}
	}
	var out [][]model.NodeID
	for i := 0; i+size <= len(ids); i++ {
		for _, rest := range combinations(ids[i+1:], size-1) {
			out = append(out, append([]model.NodeID{ids[i]}, rest...))
		}
	}
	return out
}

// resolve maps a step to a node-instance key. An unindexed step names the
// active instance with the lowest index, or index 1 when none is active so
// that the completion reports why.
func resolve(in *engine.Instance, s Step) engine.NodeInstanceKey {
	if s.Index > 0 {
		return engine.Key(s.Node, s.Index)
	}
	for _, k := range in.Active() {
		if k.Node == s.Node {
			return k
		}
	}
	return engine.Key(s.Node, 1)
}

func isSplit(m *model.RootModel, id model.NodeID) bool {
	n, ok := m.Node(id)
	if !ok {
		return false
	}
	_, ok = n.AsSplit()
	return ok
}

func finish(in *engine.Instance, n int, o *options) Verdict {
	status := in.Status()
	v := Verdict{Valid: true, Step: n, Complete: status == schema.InstanceStatusCompleted}
	if o.requireComplete && !v.Complete {
		v.Valid = false
		v.Reason = fmt.Sprintf("trace ended with instance %s, active: %v", status, in.Active())
		v.Code = schema.ErrCodeExecution
	}
	return v
}

func rejected(i int, s Step, err error) Verdict {
	return Verdict{
		Reason: fmt.Sprintf("step %d (%s): %v", i+1, s, err),
		Code:   schema.CodeOf(err),
		Step:   i,
	}
}
