package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/expressions"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func cel(expr string) model.Condition { return model.Condition{Lang: "cel", Expr: expr} }

// s -> sp(xor) -> fast | slow -> j(xor) -> e
func routingModel(t *testing.T) *model.RootModel {
	t.Helper()
	m, err := model.NewBuilder("routing").
		WithOwner("ops").
		AddNode(model.StartNode("s")).
		AddNode(model.XorSplit("sp").Branch("fast", cel("data.fast")).Branch("slow", cel("!data.fast"))).
		AddNode(model.ActivityNode("fast")).
		AddNode(model.ActivityNode("slow")).
		AddNode(model.XorJoin("j")).
		AddNode(model.EndNode("e")).
		Chain("s", "sp").
		Chain("sp", "fast", "j").
		Chain("sp", "slow", "j").
		Chain("j", "e").
		Build(true)
	require.NoError(t, err)
	return m
}

// seedModel stores the routing model and returns it rebuilt with its handle.
func seedModel(t *testing.T, s *LibSQLStore) *model.RootModel {
	t.Helper()
	rec := NewModelRecord(routingModel(t))
	require.NoError(t, s.CreateModel(context.Background(), rec))
	m, err := rec.Build(model.BuildOptions{Pedantic: true})
	require.NoError(t, err)
	return m
}

func newEngine(t *testing.T, sink engine.DeltaSink) *engine.Engine {
	t.Helper()
	ev, err := expressions.NewEvaluator("cel")
	require.NoError(t, err)
	return engine.New(engine.Config{Evaluator: ev, Sink: sink})
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	v, err := schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE TABLE b (y INT)\n")
	assert.Equal(t, []string{"-- header\nCREATE TABLE a (x INT)", "CREATE TABLE b (y INT)"}, stmts)
}

// --- Models ---

func TestCreateAndGetModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	orig := routingModel(t)

	rec := NewModelRecord(orig)
	require.NoError(t, s.CreateModel(ctx, rec))
	assert.Positive(t, rec.Handle)

	got, err := s.GetModel(ctx, rec.Handle)
	require.NoError(t, err)
	assert.Equal(t, orig.UUID().String(), got.UUID)
	assert.Equal(t, "routing", got.Name)
	assert.Equal(t, "ops", got.Owner)
	assert.Len(t, got.Definition.Nodes, 6)

	m, err := got.Build(model.BuildOptions{Pedantic: true})
	require.NoError(t, err)
	assert.Equal(t, rec.Handle, m.Handle())
	assert.Equal(t, orig.UUID(), m.UUID())
	sp, _ := m.Node("sp")
	split, ok := sp.AsSplit()
	require.True(t, ok)
	assert.Equal(t, cel("data.fast"), split.Conditions["fast"])
}

func TestGetModelByUUID_Latest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := routingModel(t)

	first := NewModelRecord(m)
	require.NoError(t, s.CreateModel(ctx, first))
	second := NewModelRecord(m)
	require.NoError(t, s.CreateModel(ctx, second))

	got, err := s.GetModelByUUID(ctx, m.UUID().String())
	require.NoError(t, err)
	assert.Equal(t, second.Handle, got.Handle)

	all, err := s.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.Handle, all[0].Handle)
}

func TestGetModel_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetModel(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	_, err = s.GetModelByUUID(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

// --- Instances ---

func TestCreateAndGetInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s)

	rec := &InstanceRecord{ID: "inst-1", ModelHandle: m.Handle(), Data: map[string]any{"fast": true}}
	require.NoError(t, s.CreateInstance(ctx, rec))
	assert.Equal(t, schema.InstanceStatusPending, rec.Status)

	got, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, m.Handle(), got.ModelHandle)
	assert.Equal(t, schema.InstanceStatusPending, got.Status)
	assert.Equal(t, map[string]any{"fast": true}, got.Data)
	assert.Zero(t, got.Sequence)

	_, err = s.GetInstance(ctx, "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListInstances_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateInstance(ctx, &InstanceRecord{ID: id, ModelHandle: m.Handle()}))
	}
	require.NoError(t, s.Apply(ctx, "b", engine.Batch{
		Event:  engine.Event{Sequence: 1, Type: schema.EventInstanceStarted},
		Status: schema.InstanceStatusActive,
	}))

	active := schema.InstanceStatusActive
	got, err := s.ListInstances(ctx, InstanceFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = s.ListInstances(ctx, InstanceFilter{ModelHandle: m.Handle(), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListInstances(ctx, InstanceFilter{ModelHandle: m.Handle() + 1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteInstance_RemovesLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s)
	require.NoError(t, s.CreateInstance(ctx, &InstanceRecord{ID: "gone", ModelHandle: m.Handle()}))
	require.NoError(t, s.Apply(ctx, "gone", engine.Batch{
		Event:  engine.Event{Sequence: 1, Type: schema.EventInstanceStarted},
		Deltas: []engine.Delta{{Seq: 1, Key: engine.Key("s", 1), State: schema.NodeStateActive}},
		Status: schema.InstanceStatusActive,
	}))

	require.NoError(t, s.DeleteInstance(ctx, "gone"))
	events, err := s.GetEvents(ctx, "gone", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	states, err := s.ListNodeStates(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, states)

	err = s.DeleteInstance(ctx, "gone")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

// --- Apply ---

func TestApply_FoldsDeltas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s)
	require.NoError(t, s.CreateInstance(ctx, &InstanceRecord{ID: "i", ModelHandle: m.Handle()}))

	require.NoError(t, s.Apply(ctx, "i", engine.Batch{
		Event:  engine.Event{Sequence: 1, Type: schema.EventInstanceStarted},
		Deltas: []engine.Delta{{Seq: 1, Key: engine.Key("s", 1), State: schema.NodeStateActive}},
		Status: schema.InstanceStatusActive,
	}))
	require.NoError(t, s.Apply(ctx, "i", engine.Batch{
		Event: engine.Event{Sequence: 2, Type: schema.EventNodeCompleted, Key: engine.Key("s", 1),
			Completion: &engine.Completion{Key: engine.Key("s", 1)}},
		Deltas: []engine.Delta{
			{Seq: 2, Key: engine.Key("s", 1), State: schema.NodeStateCompleted},
			{Seq: 3, Key: engine.Key("sp", 1), State: schema.NodeStateActive, Tag: "c:x#1", Scope: engine.Key("x", 1)},
		},
		Status: schema.InstanceStatusActive,
	}))

	states, err := s.ListNodeStates(ctx, "i")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, engine.Key("s", 1), states[0].Key())
	assert.Equal(t, schema.NodeStateCompleted, states[0].State)
	assert.Equal(t, int64(2), states[0].Sequence)
	assert.Equal(t, engine.Tag("c:x#1"), states[1].Tag)
	assert.Equal(t, "x#1", states[1].Scope)

	keys, err := s.CompletedKeys(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, []engine.NodeInstanceKey{engine.Key("s", 1)}, keys)

	events, err := s.GetEvents(ctx, "i", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "s#1", events[0].NodeKey)
	ev, err := events[0].Event()
	require.NoError(t, err)
	require.NotNil(t, ev.Completion)
	assert.Equal(t, engine.Key("s", 1), ev.Completion.Key)

	rec, err := s.GetInstance(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence)
	assert.Equal(t, schema.InstanceStatusActive, rec.Status)
}

func TestApply_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s)
	require.NoError(t, s.CreateInstance(ctx, &InstanceRecord{ID: "i", ModelHandle: m.Handle()}))

	batch := engine.Batch{
		Event:  engine.Event{Sequence: 1, Type: schema.EventInstanceStarted},
		Deltas: []engine.Delta{{Seq: 1, Key: engine.Key("s", 1), State: schema.NodeStateActive}},
		Status: schema.InstanceStatusActive,
	}
	require.NoError(t, s.Apply(ctx, "i", batch))
	// A replayed batch must not overwrite later state.
	require.NoError(t, s.Apply(ctx, "i", engine.Batch{
		Event:  engine.Event{Sequence: 2, Type: schema.EventInstanceCancel},
		Deltas: []engine.Delta{{Seq: 2, Key: engine.Key("s", 1), State: schema.NodeStateCancelled}},
		Status: schema.InstanceStatusCancelled,
	}))
	require.NoError(t, s.Apply(ctx, "i", batch))

	events, err := s.GetEvents(ctx, "i", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	states, err := s.ListNodeStates(ctx, "i")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, schema.NodeStateCancelled, states[0].State)
	rec, err := s.GetInstance(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCancelled, rec.Status)
}

func TestApply_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s)
	require.NoError(t, s.CreateInstance(ctx, &InstanceRecord{ID: "i", ModelHandle: m.Handle()}))

	err := s.Apply(ctx, "i", engine.Batch{Event: engine.Event{Sequence: 3, Type: schema.EventInstanceStarted}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
	assert.False(t, engine.IsRetryable(err))

	err = s.Apply(ctx, "missing", engine.Batch{Event: engine.Event{Sequence: 1}})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestApply_AsEngineSink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s)
	eng := newEngine(t, &engine.RetrySink{Sink: s, Policy: engine.RetryPolicy{Attempts: 3}})

	in, err := NewEventLog(s).Begin(ctx, eng, m, engine.InstanceOptions{ID: "run-1", Data: map[string]any{"fast": false}})
	require.NoError(t, err)
	_, err = in.Start(ctx)
	require.NoError(t, err)
	for _, key := range []engine.NodeInstanceKey{engine.Key("s", 1), engine.Key("sp", 1), engine.Key("slow", 1), engine.Key("j", 1), engine.Key("e", 1)} {
		_, err := in.Complete(ctx, engine.Completion{Key: key})
		require.NoError(t, err, key.String())
	}
	require.Equal(t, schema.InstanceStatusCompleted, in.Status())

	keys, err := s.CompletedKeys(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, in.Completed(), keys)

	states, err := s.ListNodeStates(ctx, "run-1")
	require.NoError(t, err)
	for _, ns := range states {
		if ns.Node == "fast" {
			assert.Equal(t, schema.NodeStateSkipped, ns.State)
		}
	}
	rec, err := s.GetInstance(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, rec.Status)
	assert.Equal(t, int64(len(in.Events())), rec.Sequence)
}
