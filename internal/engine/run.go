package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// token is a completion (or, with skip set, a dead path) travelling along one
// edge of the model. A void skip descends from a split firing that chose no
// branch at all; only void skips let an optional join fire without arrivals.
type token struct {
	from  model.NodeID
	to    model.NodeID
	tag   Tag
	scope NodeInstanceKey
	skip  bool
	void  bool
}

// run applies one event to a cloned state. Tokens are processed in FIFO order;
// whenever the queue drains, the deepest quiescent scope is settled, which may
// queue further tokens.
type run struct {
	ctx   context.Context
	inst  *Instance
	m     *model.RootModel
	st    *state
	res   *Result
	queue []token
	steps int
}

func (r *run) enqueue(t token) { r.queue = append(r.queue, t) }

func (r *run) drain() error {
	for {
		for len(r.queue) > 0 {
			tok := r.queue[0]
			r.queue = r.queue[1:]
			r.steps++
			if r.steps > r.inst.eng.maxSteps {
				return schema.NewErrorf(schema.ErrCodeInternal, "event exceeded %d token steps", r.inst.eng.maxSteps)
			}
			if err := r.deliver(tok); err != nil {
				return err
			}
		}
		settled, err := r.settleScope()
		if err != nil {
			return err
		}
		if !settled {
			return nil
		}
	}
}

func (r *run) deliver(tok token) error {
	n, ok := r.m.Node(tok.to)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInternal, "token from %q targets unknown node %q", tok.from, tok.to)
	}
	if j, ok := n.AsJoin(); ok {
		return r.arrive(n, j, tok)
	}
	return r.activate(n, tok)
}

// setState moves a node instance to a new state and records the delta.
func (r *run) setState(key NodeInstanceKey, to schema.NodeState, tag Tag, scope NodeInstanceKey) error {
	ni := r.st.nodes[key]
	from := schema.NodeStatePending
	if ni != nil {
		from = ni.state
	}
	if err := checkNodeTransition(key, from, to); err != nil {
		return err
	}
	if ni == nil {
		ni = &nodeInstance{key: key}
		r.st.nodes[key] = ni
	}
	ni.state, ni.tag, ni.scope = to, tag, scope

	r.st.deltaSeq++
	r.res.Deltas = append(r.res.Deltas, Delta{Seq: r.st.deltaSeq, Key: key, State: to, Tag: tag, Scope: scope})
	switch to {
	case schema.NodeStateActive:
		r.res.Activated = append(r.res.Activated, key)
		if n, ok := r.m.Node(key.Node); ok {
			r.inst.eng.metrics.activation(n.KindName())
		}
	case schema.NodeStateCompleted:
		r.res.Completed = append(r.res.Completed, key)
	case schema.NodeStateSkipped:
		r.res.Skipped = append(r.res.Skipped, key)
	case schema.NodeStateCancelled:
		r.res.Cancelled = append(r.res.Cancelled, key)
	}
	return nil
}

// activate handles a token at a single-predecessor node.
func (r *run) activate(n *model.Node, tok token) error {
	key := r.st.allocate(n, tok.scope, false)
	if cur := r.st.nodes[key]; cur != nil && cur.state == schema.NodeStateActive {
		if tok.skip {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeAlreadyActive, "%s is already active", key).WithNode(string(n.ID()))
	}
	if tok.skip {
		if err := r.setState(key, schema.NodeStateSkipped, tok.tag, tok.scope); err != nil {
			return err
		}
		r.skipSuccessors(n, tok.tag, tok.scope, tok.void)
		return nil
	}

	if a, ok := n.AsActivity(); ok && a.Condition != nil {
		pass, err := r.evaluate(*a.Condition)
		if err != nil {
			if err := r.setState(key, schema.NodeStateFailed, tok.tag, tok.scope); err != nil {
				return err
			}
			r.res.Failures = append(r.res.Failures, Failure{
				Key: key,
				Err: schema.NewErrorf(schema.ErrCodeCondition, "condition of %s failed", key).
					WithNode(string(n.ID())).WithCause(err),
			})
			r.inst.logger(r.ctx).Warn("activation condition failed", "key", key.String(), "error", err)
			r.skipSuccessors(n, tok.tag, tok.scope, false)
			return nil
		}
		if !pass {
			if err := r.setState(key, schema.NodeStateSkipped, tok.tag, tok.scope); err != nil {
				return err
			}
			r.skipSuccessors(n, tok.tag, tok.scope, false)
			return nil
		}
	}

	if err := r.setState(key, schema.NodeStateActive, tok.tag, tok.scope); err != nil {
		return err
	}
	if child, ok := n.Composite(); ok {
		return r.openScope(key, child, tok.tag)
	}
	return nil
}

// openScope starts the child model of a composite instance.
func (r *run) openScope(key NodeInstanceKey, child model.ModelID, tag Tag) error {
	cm, ok := r.m.Child(child)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInternal, "composite %s references unknown child model %q", key, child)
	}
	r.st.dropWavesIn(key)
	r.st.scopes[key] = &scopeState{key: key, model: child, open: true}

	for _, imp := range cm.Imports() {
		out, ok := r.st.outputs[imp.RefNode]
		if !ok {
			continue
		}
		if imp.RefName == "" {
			r.st.data[imp.Name] = out
		} else if v, ok := out[imp.RefName]; ok {
			r.st.data[imp.Name] = v
		}
	}

	r.enqueue(token{to: cm.Start(), tag: tag.PushComposite(key.Node, key.Index), scope: key})
	return nil
}

func (r *run) skipSuccessors(n *model.Node, tag Tag, scope NodeInstanceKey, void bool) {
	for _, succ := range n.Successors() {
		r.enqueue(token{from: n.ID(), to: succ, tag: tag, scope: scope, skip: true, void: void})
	}
}

func (r *run) evaluate(c model.Condition) (bool, error) {
	return r.inst.eng.evaluator.Evaluate(r.ctx, c, r.st.activation(r.inst.id, r.m.Name()))
}

// complete applies the completion of an active, non-composite node instance.
func (r *run) complete(c Completion) error {
	n, ok := r.m.Node(c.Key.Node)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeUnknownNode, "unknown node %q", c.Key.Node).WithNode(string(c.Key.Node))
	}
	ni := r.st.nodes[c.Key]
	if ni == nil || ni.state != schema.NodeStateActive {
		return schema.NewErrorf(schema.ErrCodeNotActive, "%s is not active", c.Key).WithNode(string(n.ID()))
	}
	if _, ok := n.Composite(); ok {
		return schema.NewErrorf(schema.ErrCodeCompositeGated,
			"%s completes when its child model finishes", c.Key).WithNode(string(n.ID()))
	}

	r.st.outputs[n.ID()] = cloneData(c.Output)
	maps.Copy(r.st.data, c.Output)

	var chosen []model.NodeID
	split, isSplit := n.AsSplit()
	if isSplit {
		var err error
		if chosen, err = r.chooseBranches(n, ni.key, split, c.Choose); err != nil {
			return err
		}
	}

	if err := r.setState(c.Key, schema.NodeStateCompleted, ni.tag, ni.scope); err != nil {
		return err
	}
	if n.IsEnd() {
		if sc, ok := r.st.scopes[ni.scope]; ok {
			sc.endDone = true
		}
	}

	if isSplit {
		r.st.firings[n.ID()]++
		tag := ni.tag.PushSplit(n.ID(), r.st.firings[n.ID()])
		for _, succ := range n.Successors() {
			skip := !slices.Contains(chosen, succ)
			r.enqueue(token{from: n.ID(), to: succ, tag: tag, scope: ni.scope, skip: skip, void: skip && len(chosen) == 0})
		}
		return nil
	}
	r.forward(n, ni.tag, ni.scope)
	return nil
}

func (r *run) forward(n *model.Node, tag Tag, scope NodeInstanceKey) {
	for _, succ := range n.Successors() {
		r.enqueue(token{from: n.ID(), to: succ, tag: tag, scope: scope})
	}
}

// eligibleBranches evaluates the branch conditions of a split in successor
// declaration order. A branch whose condition fails to evaluate is not
// eligible and is reported as a diagnostic.
func (r *run) eligibleBranches(n *model.Node, split model.Split) []model.NodeID {
	var out []model.NodeID
	for _, succ := range n.Successors() {
		c, ok := split.Conditions[succ]
		if !ok {
			out = append(out, succ)
			continue
		}
		pass, err := r.evaluate(c)
		if err != nil {
			r.res.Diagnostics = append(r.res.Diagnostics, Diagnostic{
				Code: schema.ErrCodeCondition, Node: n.ID(), From: succ,
				Message: fmt.Sprintf("branch condition %s: %v", c, err),
			})
			continue
		}
		if pass {
			out = append(out, succ)
		}
	}
	return out
}

// chooseBranches picks the successors a split firing activates. Without an
// explicit choice the first Max eligible successors win.
func (r *run) chooseBranches(n *model.Node, key NodeInstanceKey, split model.Split, choose []model.NodeID) ([]model.NodeID, error) {
	eligible := r.eligibleBranches(n, split)
	unsatisfied := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrCodeSplitUnsatisfied, "%s: "+format, append([]any{key}, args...)...).
			WithNode(string(n.ID())).
			WithDetails(map[string]any{"eligible": eligible, "min": split.Min, "max": split.Max})
	}

	if choose == nil {
		if len(eligible) < split.Min {
			return nil, unsatisfied("%d eligible branches, need at least %d", len(eligible), split.Min)
		}
		return eligible[:min(len(eligible), split.Max)], nil
	}

	seen := make(map[model.NodeID]bool, len(choose))
	for _, id := range choose {
		if seen[id] {
			return nil, unsatisfied("branch %q chosen twice", id)
		}
		seen[id] = true
		if !slices.Contains(eligible, id) {
			return nil, unsatisfied("branch %q is not an eligible successor", id)
		}
	}
	if len(choose) < split.Min || len(choose) > split.Max {
		return nil, unsatisfied("%d branches chosen, want between %d and %d", len(choose), split.Min, split.Max)
	}
	return slices.DeleteFunc(slices.Clone(eligible), func(id model.NodeID) bool { return !seen[id] }), nil
}

// arrive registers a token at a join and fires or releases its wave.
func (r *run) arrive(n *model.Node, j model.Join, tok token) error {
	var w *wave
	waves := r.st.liveWaves(n.ID(), tok.scope)
	if !j.MultiMerge {
		if len(waves) > 0 {
			w = waves[0]
		}
		if w != nil && w.resolved(tok.from) {
			switch {
			case tok.skip:
				return nil
			case slices.Contains(w.skipped, tok.from):
				w.skipped = slices.DeleteFunc(w.skipped, func(id model.NodeID) bool { return id == tok.from })
			default:
				return schema.NewErrorf(schema.ErrCodeWaveConflict,
					"join %s already holds %s in its live wave", n.ID(), tok.from).
					WithNode(string(n.ID())).
					WithDetails(map[string]any{"wave": w.id, "from": string(tok.from)})
			}
		}
	} else {
		for _, cand := range waves {
			if cand.tag != tok.tag {
				continue
			}
			if !cand.resolved(tok.from) {
				w = cand
				break
			}
			if !tok.skip && slices.Contains(cand.skipped, tok.from) {
				cand.skipped = slices.DeleteFunc(cand.skipped, func(id model.NodeID) bool { return id == tok.from })
				w = cand
				break
			}
		}
	}
	if w == nil {
		r.st.nextWave++
		w = &wave{id: r.st.nextWave, join: n.ID(), scope: tok.scope, tag: tok.tag}
		r.st.waves = append(r.st.waves, w)
	}

	switch {
	case tok.skip:
		w.skipped = append(w.skipped, tok.from)
		w.void = w.void || tok.void
	case len(w.arrived) >= j.Max:
		w.overflow = append(w.overflow, tok.from)
		r.res.Diagnostics = append(r.res.Diagnostics, Diagnostic{
			Code: DiagOverflow, Node: n.ID(), From: tok.from,
			Message: fmt.Sprintf("join %s accepts at most %d arrivals; discarded arrival from %s", n.ID(), j.Max, tok.from),
		})
		r.inst.eng.metrics.overflow()
		r.inst.logger(r.ctx).Warn("join overflow", "join", string(n.ID()), "from", string(tok.from), "max", j.Max)
	default:
		w.arrived = append(w.arrived, tok.from)
	}
	return r.settleWave(n, j, w)
}

func (r *run) settleWave(n *model.Node, j model.Join, w *wave) error {
	all := w.resolvedCount() >= n.PredecessorCount()
	if !w.fired {
		// An optional join fires without arrivals only when the split it
		// closes chose nothing; a region rejected by a split stays dead.
		ready := len(w.arrived) >= j.Min && (j.Min > 0 || (all && (len(w.arrived) > 0 || w.void)))
		if ready {
			key := r.st.allocate(n, w.scope, j.MultiMerge)
			if cur := r.st.nodes[key]; cur != nil && cur.state == schema.NodeStateActive {
				return schema.NewErrorf(schema.ErrCodeAlreadyActive, "%s is already active", key).WithNode(string(n.ID()))
			}
			w.fired, w.firedAs = true, key
			if err := r.setState(key, schema.NodeStateActive, w.tag.PopSplit(), w.scope); err != nil {
				return err
			}
			r.inst.eng.metrics.joinFired()
		}
	}

	if !all && !(j.MultiMerge && len(w.arrived) >= j.Max) {
		return nil
	}
	r.st.dropWave(w)
	if w.fired {
		return nil
	}
	key := r.st.allocate(n, w.scope, j.MultiMerge)
	if cur := r.st.nodes[key]; cur != nil && cur.state == schema.NodeStateActive {
		return nil
	}
	tag := w.tag.PopSplit()
	if err := r.setState(key, schema.NodeStateSkipped, tag, w.scope); err != nil {
		return err
	}
	r.skipSuccessors(n, tag, w.scope, w.void && len(w.arrived) == 0)
	return nil
}

// settleScope closes the deepest open scope without active node instances.
// It reports whether a scope was settled.
func (r *run) settleScope() (bool, error) {
	var pick *scopeState
	depth := -1
	for _, sc := range r.st.scopes {
		if !sc.open || r.st.activeIn(sc.key) > 0 {
			continue
		}
		d := r.m.Depth(sc.model)
		if d > depth || (d == depth && keyLess(sc.key, pick.key)) {
			pick, depth = sc, d
		}
	}
	if pick == nil {
		return false, nil
	}
	pick.open = false
	r.st.dropWavesIn(pick.key)
	if pick.key.IsZero() {
		return true, r.finish(pick)
	}
	return true, r.closeComposite(pick)
}

func (r *run) closeComposite(sc *scopeState) error {
	ni := r.st.nodes[sc.key]
	if ni == nil || ni.state != schema.NodeStateActive {
		return nil
	}
	n, _ := r.m.Node(sc.key.Node)
	if !sc.endDone {
		if err := r.setState(sc.key, schema.NodeStateSkipped, ni.tag, ni.scope); err != nil {
			return err
		}
		r.skipSuccessors(n, ni.tag, ni.scope, false)
		return nil
	}

	out := make(map[string]any)
	if cm, ok := r.m.Child(sc.model); ok {
		for _, exp := range cm.Exports() {
			if exp.From == "" {
				if v, ok := r.st.data[exp.Name]; ok {
					out[exp.Name] = v
				}
				continue
			}
			if v, ok := r.st.outputs[exp.From]; ok {
				out[exp.Name] = v
			}
		}
	}
	r.st.outputs[n.ID()] = out
	maps.Copy(r.st.data, out)

	if err := r.setState(sc.key, schema.NodeStateCompleted, ni.tag, ni.scope); err != nil {
		return err
	}
	r.forward(n, ni.tag, ni.scope)
	return nil
}

// finish closes the root scope: the instance completes if an end node of the
// root model completed, and fails otherwise.
func (r *run) finish(sc *scopeState) error {
	to := schema.InstanceStatusFailed
	if sc.endDone {
		to = schema.InstanceStatusCompleted
	}
	if err := checkInstanceTransition(r.inst.id, r.st.status, to); err != nil {
		return err
	}
	r.st.status = to
	r.st.waves = nil
	return nil
}

// cancelTree cancels an active node instance and, for a composite, every
// active node instance of its child scope.
func (r *run) cancelTree(ni *nodeInstance) error {
	if err := r.setState(ni.key, schema.NodeStateCancelled, ni.tag, ni.scope); err != nil {
		return err
	}
	sc, ok := r.st.scopes[ni.key]
	if !ok || !sc.open {
		return nil
	}
	sc.open = false
	r.st.dropWavesIn(ni.key)
	for _, child := range r.activeSorted(ni.key) {
		if err := r.cancelTree(child); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) activeSorted(scope NodeInstanceKey) []*nodeInstance {
	var out []*nodeInstance
	for _, ni := range r.st.nodes {
		if ni.scope == scope && ni.state == schema.NodeStateActive {
			out = append(out, ni)
		}
	}
	slices.SortFunc(out, func(a, b *nodeInstance) int { return compareKeys(a.key, b.key) })
	return out
}

func compareKeys(a, b NodeInstanceKey) int {
	if c := strings.Compare(string(a.Node), string(b.Node)); c != 0 {
		return c
	}
	return a.Index - b.Index
}

func keyLess(a, b NodeInstanceKey) bool { return compareKeys(a, b) < 0 }
