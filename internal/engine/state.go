package engine

import (
	"maps"
	"slices"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// nodeInstance is the runtime record of one NodeInstanceKey.
type nodeInstance struct {
	key   NodeInstanceKey
	state schema.NodeState
	tag   Tag
	scope NodeInstanceKey
}

// wave is a join accumulator: the predecessors that reached one join in one
// scope instance with one provenance tag.
type wave struct {
	id       int
	join     model.NodeID
	scope    NodeInstanceKey
	tag      Tag
	arrived  []model.NodeID
	skipped  []model.NodeID
	overflow []model.NodeID
	void     bool
	fired    bool
	firedAs  NodeInstanceKey
}

func (w *wave) resolved(pred model.NodeID) bool {
	return slices.Contains(w.arrived, pred) || slices.Contains(w.skipped, pred) || slices.Contains(w.overflow, pred)
}

func (w *wave) resolvedCount() int {
	return len(w.arrived) + len(w.skipped) + len(w.overflow)
}

func (w *wave) clone() *wave {
	c := *w
	c.arrived = slices.Clone(w.arrived)
	c.skipped = slices.Clone(w.skipped)
	c.overflow = slices.Clone(w.overflow)
	return &c
}

// scopeState tracks one activation of a model scope: the root, or a child
// model started by a composite activity instance.
type scopeState struct {
	key     NodeInstanceKey // composite instance; zero for the root
	model   model.ModelID
	open    bool
	endDone bool
}

// nodeScope keys the last index a node used within one scope instance.
type nodeScope struct {
	node  model.NodeID
	scope NodeInstanceKey
}

type appliedKey struct {
	key NodeInstanceKey
	seq int64
}

// state is the complete mutable state of an instance. Events are applied to
// a clone and the clone replaces the original only on success.
type state struct {
	status   schema.InstanceStatus
	nodes    map[NodeInstanceKey]*nodeInstance
	counters map[model.NodeID]int
	last     map[nodeScope]int
	waves    []*wave
	nextWave int
	firings  map[model.NodeID]int
	scopes   map[NodeInstanceKey]*scopeState
	applied  map[appliedKey]bool
	deltaSeq int64
	eventSeq int64
	data     map[string]any
	outputs  map[model.NodeID]map[string]any
}

func newState(data map[string]any) *state {
	return &state{
		status:   schema.InstanceStatusPending,
		nodes:    make(map[NodeInstanceKey]*nodeInstance),
		counters: make(map[model.NodeID]int),
		last:     make(map[nodeScope]int),
		firings:  make(map[model.NodeID]int),
		scopes:   make(map[NodeInstanceKey]*scopeState),
		applied:  make(map[appliedKey]bool),
		data:     cloneData(data),
		outputs:  make(map[model.NodeID]map[string]any),
	}
}

func (s *state) clone() *state {
	c := *s
	c.nodes = make(map[NodeInstanceKey]*nodeInstance, len(s.nodes))
	for k, ni := range s.nodes {
		cp := *ni
		c.nodes[k] = &cp
	}
	c.counters = maps.Clone(s.counters)
	c.last = maps.Clone(s.last)
	c.waves = make([]*wave, len(s.waves))
	for i, w := range s.waves {
		c.waves[i] = w.clone()
	}
	c.firings = maps.Clone(s.firings)
	c.scopes = make(map[NodeInstanceKey]*scopeState, len(s.scopes))
	for k, sc := range s.scopes {
		cp := *sc
		c.scopes[k] = &cp
	}
	c.applied = maps.Clone(s.applied)
	c.data = cloneData(s.data)
	c.outputs = make(map[model.NodeID]map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		c.outputs[k] = cloneData(v)
	}
	return &c
}

// allocate returns the key a new activation of n in scope uses: the node's
// last index in that scope, or a fresh one for multi-instance nodes,
// multi-merge join firings and first visits.
func (s *state) allocate(n *model.Node, scope NodeInstanceKey, fresh bool) NodeInstanceKey {
	ns := nodeScope{node: n.ID(), scope: scope}
	if !fresh && !n.MultiInstance() {
		if idx, ok := s.last[ns]; ok {
			return NodeInstanceKey{Node: n.ID(), Index: idx}
		}
	}
	s.counters[n.ID()]++
	idx := s.counters[n.ID()]
	s.last[ns] = idx
	return NodeInstanceKey{Node: n.ID(), Index: idx}
}

// activeIn counts active node instances owned by scope.
func (s *state) activeIn(scope NodeInstanceKey) int {
	n := 0
	for _, ni := range s.nodes {
		if ni.scope == scope && ni.state == schema.NodeStateActive {
			n++
		}
	}
	return n
}

// liveWaves returns the accumulators of join within scope, oldest first.
func (s *state) liveWaves(join model.NodeID, scope NodeInstanceKey) []*wave {
	var out []*wave
	for _, w := range s.waves {
		if w.join == join && w.scope == scope {
			out = append(out, w)
		}
	}
	return out
}

func (s *state) dropWave(w *wave) {
	s.waves = slices.DeleteFunc(s.waves, func(x *wave) bool { return x == w })
}

func (s *state) dropWavesIn(scope NodeInstanceKey) {
	s.waves = slices.DeleteFunc(s.waves, func(x *wave) bool { return x.scope == scope })
}

// activation is the variable set handed to the condition evaluator.
func (s *state) activation(instanceID string, modelName string) map[string]any {
	nodes := make(map[string]any, len(s.outputs))
	for id, out := range s.outputs {
		nodes[string(id)] = out
	}
	return map[string]any{
		"data":  s.data,
		"nodes": nodes,
		"instance": map[string]any{
			"id":     instanceID,
			"model":  modelName,
			"status": string(s.status),
		},
	}
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
