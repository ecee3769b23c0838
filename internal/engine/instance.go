package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/rendis/procgraph/internal/logging"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// Instance is one execution of a RootModel. All methods are safe for
// concurrent use; events are applied one at a time, each either fully or not
// at all.
type Instance struct {
	id    string
	model *model.RootModel
	eng   *Engine
	sink  DeltaSink

	mu     sync.Mutex // guards st and events
	st     *state
	events []Event
}

// ID returns the instance id.
func (in *Instance) ID() string { return in.id }

// Model returns the model the instance executes.
func (in *Instance) Model() *model.RootModel { return in.model }

func (in *Instance) logger(ctx context.Context) *slog.Logger {
	return logging.LogWith(logging.WithInstanceID(ctx, in.id), in.eng.logger)
}

// apply runs fn and the resulting token propagation against a clone of the
// state. The clone replaces the state only if fn, the propagation and the
// sink all succeed. Callers hold in.mu.
func (in *Instance) apply(ctx context.Context, ev Event, fn func(r *run) error) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &run{ctx: ctx, inst: in, m: in.model, st: in.st.clone(), res: &Result{}}
	if err := fn(r); err != nil {
		return nil, in.reject(ctx, ev, err)
	}
	if err := r.drain(); err != nil {
		return nil, in.reject(ctx, ev, err)
	}

	r.st.eventSeq++
	ev.Sequence = r.st.eventSeq
	if ev.At.IsZero() {
		ev.At = in.eng.now()
	}
	r.res.Status = r.st.status
	if in.sink != nil {
		batch := Batch{Event: ev, Deltas: r.res.Deltas, Status: r.st.status}
		if err := in.sink.Apply(ctx, in.id, batch); err != nil {
			return nil, in.reject(ctx, ev, schema.NewError(schema.ErrCodeStore, "delta sink rejected event").WithCause(err))
		}
	}

	in.st = r.st
	in.events = append(in.events, ev)
	in.eng.metrics.event(ev.Type, "accepted")
	in.logger(ctx).Debug("event applied",
		"type", ev.Type, "sequence", ev.Sequence, "deltas", len(r.res.Deltas), "status", string(r.st.status))
	return r.res, nil
}

func (in *Instance) reject(ctx context.Context, ev Event, err error) error {
	in.eng.metrics.event(ev.Type, "rejected")
	in.logger(ctx).Debug("event rejected", "type", ev.Type, "key", ev.Key.String(), "error", err)
	return err
}

// Start activates the start node of the root model.
func (in *Instance) Start(ctx context.Context) (*Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.start(ctx, Event{Type: schema.EventInstanceStarted})
}

func (in *Instance) start(ctx context.Context, ev Event) (*Result, error) {
	return in.apply(ctx, ev, func(r *run) error {
		if err := checkInstanceTransition(in.id, r.st.status, schema.InstanceStatusActive); err != nil {
			return err
		}
		start, ok := r.m.StartOf(model.RootScope)
		if !ok {
			return schema.NewError(schema.ErrCodeInternal, "model has no start node")
		}
		r.st.status = schema.InstanceStatusActive
		r.st.scopes[NodeInstanceKey{}] = &scopeState{model: model.RootScope, open: true}
		r.enqueue(token{to: start})
		return nil
	})
}

func (in *Instance) requireActive() error {
	if in.st.status == schema.InstanceStatusActive {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInstanceClosed, "instance is %s", in.st.status).
		WithDetails(map[string]any{"instance_id": in.id, "status": string(in.st.status)})
}

// Complete applies the completion of an active node instance. A completion
// whose (Key, Seq) was already applied is acknowledged with Result.Duplicate
// and changes nothing.
func (in *Instance) Complete(ctx context.Context, c Completion) (*Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.complete(ctx, c, Event{})
}

func (in *Instance) complete(ctx context.Context, c Completion, ev Event) (*Result, error) {
	if c.Seq > 0 && in.st.applied[appliedKey{key: c.Key, seq: c.Seq}] {
		in.eng.metrics.event(schema.EventNodeCompleted, "duplicate")
		return &Result{Duplicate: true, Status: in.st.status}, nil
	}
	if err := in.requireActive(); err != nil {
		return nil, err
	}
	c.Output = maps.Clone(c.Output)
	c.Choose = slices.Clone(c.Choose)
	ev.Type, ev.Key, ev.Completion = schema.EventNodeCompleted, c.Key, &c

	ctx = logging.WithNodeID(ctx, string(c.Key.Node))
	return in.apply(ctx, ev, func(r *run) error {
		if err := r.complete(c); err != nil {
			return err
		}
		if c.Seq > 0 {
			r.st.applied[appliedKey{key: c.Key, seq: c.Seq}] = true
		}
		return nil
	})
}

// CompleteNode completes the active instance of node with the lowest index.
// A seq already applied to any instance of node is reported as a duplicate
// before an instance is picked.
func (in *Instance) CompleteNode(ctx context.Context, node model.NodeID, seq int64) (*Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.model.Node(node); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNode, "unknown node %q", node).WithNode(string(node))
	}
	if seq > 0 {
		for ak := range in.st.applied {
			if ak.key.Node == node && ak.seq == seq {
				in.eng.metrics.event(schema.EventNodeCompleted, "duplicate")
				return &Result{Duplicate: true, Status: in.st.status}, nil
			}
		}
	}
	var key NodeInstanceKey
	for k, ni := range in.st.nodes {
		if k.Node == node && ni.state == schema.NodeStateActive && (key.IsZero() || k.Index < key.Index) {
			key = k
		}
	}
	if key.IsZero() {
		if err := in.requireActive(); err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotActive, "no active instance of %q", node).WithNode(string(node))
	}
	return in.complete(ctx, Completion{Key: key, Seq: seq}, Event{})
}

// CancelNode cancels an active node instance, including the child scope of a
// composite, and propagates a dead path to its successors.
func (in *Instance) CancelNode(ctx context.Context, key NodeInstanceKey, reason string) (*Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cancelNode(ctx, Event{Type: schema.EventNodeCancelled, Key: key, Reason: reason})
}

func (in *Instance) cancelNode(ctx context.Context, ev Event) (*Result, error) {
	if err := in.requireActive(); err != nil {
		return nil, err
	}
	ctx = logging.WithNodeID(ctx, string(ev.Key.Node))
	return in.apply(ctx, ev, func(r *run) error {
		n, ok := r.m.Node(ev.Key.Node)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeUnknownNode, "unknown node %q", ev.Key.Node).WithNode(string(ev.Key.Node))
		}
		ni := r.st.nodes[ev.Key]
		if ni == nil || ni.state != schema.NodeStateActive {
			return schema.NewErrorf(schema.ErrCodeNotActive, "%s is not active", ev.Key).WithNode(string(n.ID()))
		}
		if err := r.cancelTree(ni); err != nil {
			return err
		}
		r.skipSuccessors(n, ni.tag, ni.scope, false)
		return nil
	})
}

// Cancel terminates the instance. Every active node instance is cancelled
// and every join wave is discarded.
func (in *Instance) Cancel(ctx context.Context, reason string) (*Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cancel(ctx, Event{Type: schema.EventInstanceCancel, Reason: reason})
}

func (in *Instance) cancel(ctx context.Context, ev Event) (*Result, error) {
	return in.apply(ctx, ev, func(r *run) error {
		if err := checkInstanceTransition(in.id, r.st.status, schema.InstanceStatusCancelled); err != nil {
			return err
		}
		var active []*nodeInstance
		for _, ni := range r.st.nodes {
			if ni.state == schema.NodeStateActive {
				active = append(active, ni)
			}
		}
		slices.SortFunc(active, func(a, b *nodeInstance) int { return compareKeys(a.key, b.key) })
		for _, ni := range active {
			if err := r.setState(ni.key, schema.NodeStateCancelled, ni.tag, ni.scope); err != nil {
				return err
			}
		}
		for _, sc := range r.st.scopes {
			sc.open = false
		}
		r.st.waves = nil
		r.st.status = schema.InstanceStatusCancelled
		return nil
	})
}

func (in *Instance) replay(ctx context.Context, ev Event) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	var err error
	switch ev.Type {
	case schema.EventInstanceStarted:
		_, err = in.start(ctx, ev)
	case schema.EventNodeCompleted:
		if ev.Completion == nil {
			return schema.NewError(schema.ErrCodeValidation, "completion event without completion")
		}
		_, err = in.complete(ctx, *ev.Completion, ev)
	case schema.EventNodeCancelled:
		_, err = in.cancelNode(ctx, ev)
	case schema.EventInstanceCancel:
		_, err = in.cancel(ctx, ev)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown event type %q", ev.Type)
	}
	return err
}

// Eligible returns the successors an active split would choose from if it
// completed now, in declaration order, together with the split's bounds.
func (in *Instance) Eligible(ctx context.Context, key NodeInstanceKey) ([]model.NodeID, model.Bounds, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	n, ok := in.model.Node(key.Node)
	if !ok {
		return nil, model.Bounds{}, schema.NewErrorf(schema.ErrCodeUnknownNode, "unknown node %q", key.Node)
	}
	split, ok := n.AsSplit()
	if !ok {
		return nil, model.Bounds{}, schema.NewErrorf(schema.ErrCodeValidation, "%q is not a split", key.Node).WithNode(string(key.Node))
	}
	if ni := in.st.nodes[key]; ni == nil || ni.state != schema.NodeStateActive {
		return nil, model.Bounds{}, schema.NewErrorf(schema.ErrCodeNotActive, "%s is not active", key).WithNode(string(key.Node))
	}
	r := &run{ctx: ctx, inst: in, m: in.model, st: in.st, res: &Result{}}
	return r.eligibleBranches(n, split), split.Bounds, nil
}

// Fork returns an independent copy of the instance that shares the model and
// engine but has no delta sink.
func (in *Instance) Fork() *Instance {
	in.mu.Lock()
	defer in.mu.Unlock()
	return &Instance{
		id:     in.id,
		model:  in.model,
		eng:    in.eng,
		st:     in.st.clone(),
		events: slices.Clone(in.events),
	}
}

// Status returns the instance status.
func (in *Instance) Status() schema.InstanceStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.st.status
}

// Active returns the active node instances, sorted.
func (in *Instance) Active() []NodeInstanceKey {
	return in.keysIn(schema.NodeStateActive)
}

// Completed returns the completed node instances, sorted.
func (in *Instance) Completed() []NodeInstanceKey {
	return in.keysIn(schema.NodeStateCompleted)
}

func (in *Instance) keysIn(s schema.NodeState) []NodeInstanceKey {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []NodeInstanceKey
	for k, ni := range in.st.nodes {
		if ni.state == s {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, compareKeys)
	return out
}

// NodeState returns the state of a node instance; pending if it never ran.
func (in *Instance) NodeState(key NodeInstanceKey) schema.NodeState {
	in.mu.Lock()
	defer in.mu.Unlock()
	if ni, ok := in.st.nodes[key]; ok {
		return ni.state
	}
	return schema.NodeStatePending
}

// Data returns a copy of the instance data.
func (in *Instance) Data() map[string]any {
	in.mu.Lock()
	defer in.mu.Unlock()
	return cloneData(in.st.data)
}

// Events returns the accepted events in order.
func (in *Instance) Events() []Event {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Clone(in.events)
}

// WaveInfo describes a live join wave.
type WaveInfo struct {
	ID       int             `json:"id"`
	Join     model.NodeID    `json:"join"`
	Scope    NodeInstanceKey `json:"scope,omitzero"`
	Tag      Tag             `json:"tag,omitempty"`
	Arrived  []model.NodeID  `json:"arrived,omitempty"`
	Skipped  []model.NodeID  `json:"skipped,omitempty"`
	Overflow []model.NodeID  `json:"overflow,omitempty"`
	Fired    bool            `json:"fired"`
}

func (w *wave) info() WaveInfo {
	return WaveInfo{
		ID:       w.id,
		Join:     w.join,
		Scope:    w.scope,
		Tag:      w.tag,
		Arrived:  slices.Clone(w.arrived),
		Skipped:  slices.Clone(w.skipped),
		Overflow: slices.Clone(w.overflow),
		Fired:    w.fired,
	}
}

// Waves returns the live waves of join, oldest first.
func (in *Instance) Waves(join model.NodeID) []WaveInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []WaveInfo
	for _, w := range in.st.waves {
		if w.join == join {
			out = append(out, w.info())
		}
	}
	return out
}

// NodeSnapshot is the recorded state of one node instance.
type NodeSnapshot struct {
	Key   NodeInstanceKey  `json:"key"`
	State schema.NodeState `json:"state"`
	Tag   Tag              `json:"tag,omitempty"`
	Scope NodeInstanceKey  `json:"scope,omitzero"`
}

// Snapshot is a deterministic view of an instance's state.
type Snapshot struct {
	ID       string                          `json:"id"`
	Status   schema.InstanceStatus           `json:"status"`
	Nodes    []NodeSnapshot                  `json:"nodes"`
	Waves    []WaveInfo                      `json:"waves,omitempty"`
	Data     map[string]any                  `json:"data,omitempty"`
	Outputs  map[model.NodeID]map[string]any `json:"outputs,omitempty"`
	Sequence int64                           `json:"sequence"`
}

// Snapshot captures the current state.
func (in *Instance) Snapshot() Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := Snapshot{
		ID:       in.id,
		Status:   in.st.status,
		Data:     cloneData(in.st.data),
		Outputs:  make(map[model.NodeID]map[string]any, len(in.st.outputs)),
		Sequence: in.st.eventSeq,
	}
	for _, ni := range in.st.nodes {
		s.Nodes = append(s.Nodes, NodeSnapshot{Key: ni.key, State: ni.state, Tag: ni.tag, Scope: ni.scope})
	}
	slices.SortFunc(s.Nodes, func(a, b NodeSnapshot) int { return compareKeys(a.Key, b.Key) })
	for _, w := range in.st.waves {
		s.Waves = append(s.Waves, w.info())
	}
	for id, out := range in.st.outputs {
		s.Outputs[id] = cloneData(out)
	}
	return s
}
