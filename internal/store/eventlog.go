package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// EventLog creates, restores and verifies persisted instances on top of a
// Store. The engine writes through the store's Apply; EventLog reads back.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Begin records a new pending instance of m and returns it. m must carry a
// store handle; eng should use the same store as its sink.
func (el *EventLog) Begin(ctx context.Context, eng *engine.Engine, m *model.RootModel, opts engine.InstanceOptions) (*engine.Instance, error) {
	if m.Handle() == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "model %s is not stored", m.Name())
	}
	in := eng.NewInstance(m, opts)
	rec := &InstanceRecord{ID: in.ID(), ModelHandle: m.Handle(), Status: in.Status(), Data: opts.Data}
	if err := el.store.CreateInstance(ctx, rec); err != nil {
		return nil, fmt.Errorf("create instance %s: %w", in.ID(), err)
	}
	return in, nil
}

// Events returns the decoded event log of an instance. It fails if the
// stored sequences are not contiguous from 1.
func (el *EventLog) Events(ctx context.Context, instanceID string) ([]engine.Event, error) {
	recs, err := el.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	events := make([]engine.Event, 0, len(recs))
	for i, r := range recs {
		if expected := int64(i + 1); r.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %s: expected %d, got %d", instanceID, expected, r.Sequence)
		}
		ev, err := r.Event()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Restore rebuilds a stored instance of m by replaying its event log.
func (el *EventLog) Restore(ctx context.Context, eng *engine.Engine, m *model.RootModel, instanceID string) (*engine.Instance, error) {
	rec, err := el.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if m.Handle() != 0 && rec.ModelHandle != m.Handle() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s belongs to model %d, not %d", instanceID, rec.ModelHandle, m.Handle())
	}
	events, err := el.Events(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return eng.Restore(ctx, m, rec.ID, rec.Data, events)
}

// Load restores a stored instance together with its stored model.
func (el *EventLog) Load(ctx context.Context, eng *engine.Engine, opts model.BuildOptions, instanceID string) (*engine.Instance, error) {
	rec, err := el.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	mrec, err := el.store.GetModel(ctx, rec.ModelHandle)
	if err != nil {
		return nil, err
	}
	m, err := mrec.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("build model %d: %w", mrec.Handle, err)
	}
	return el.Restore(ctx, eng, m, instanceID)
}

// Verify compares an instance with the node states and status the store
// folded from its deltas.
func (el *EventLog) Verify(ctx context.Context, in *engine.Instance) error {
	rec, err := el.store.GetInstance(ctx, in.ID())
	if err != nil {
		return err
	}
	if rec.Status != in.Status() {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s: stored status %s, replayed %s", in.ID(), rec.Status, in.Status())
	}
	stored, err := el.store.ListNodeStates(ctx, in.ID())
	if err != nil {
		return err
	}
	for _, ns := range stored {
		if got := in.NodeState(ns.Key()); got != ns.State {
			return schema.NewErrorf(schema.ErrCodeConflict, "instance %s: %s stored %s, replayed %s", in.ID(), ns.Key(), ns.State, got).
				WithNode(string(ns.Node))
		}
	}
	completed, err := el.store.CompletedKeys(ctx, in.ID())
	if err != nil {
		return err
	}
	live := in.Completed()
	if !slices.Equal(completed, live) {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s: stored completions differ from replay", in.ID()).
			WithDetails(map[string]any{"stored": completed, "replayed": live})
	}
	return nil
}
