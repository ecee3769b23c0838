package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/procgraph/pkg/schema"
)

func TestSimulator_RunsToCompletion(t *testing.T) {
	tests := []struct {
		name      string
		in        *Instance
		rounds    int
		completed int
	}{
		{"and join", newInstance(t, build(t, andModel(4)), nil), 5, 8},
		{"composite", newInstance(t, build(t, compositeModel(false)), nil), 5, 5},
		{"loop exits", newInstance(t, build(t, loopModel()), map[string]any{"again": false}), 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, err := NewSimulator(SimulatorConfig{PoolSize: 4}).Run(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, schema.InstanceStatusCompleted, sim.Status)
			assert.Equal(t, tt.rounds, sim.Rounds)
			assert.Equal(t, tt.completed, sim.Completed)
			assert.Empty(t, sim.Errors)
		})
	}
}

func TestSimulator_StopsAtMaxRounds(t *testing.T) {
	in := newInstance(t, build(t, loopModel()), map[string]any{"again": true})
	sim, err := NewSimulator(SimulatorConfig{MaxRounds: 10}).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 10, sim.Rounds)
	assert.Equal(t, schema.InstanceStatusActive, sim.Status)
}

func TestSimulator_Outputs(t *testing.T) {
	in := newInstance(t, build(t, orModel(2, 1, 1, 1)), map[string]any{"b1": false})
	sim, err := NewSimulator(SimulatorConfig{
		Output: func(key NodeInstanceKey) map[string]any {
			if key.Node == "s" {
				return map[string]any{"b2": true}
			}
			return nil
		},
	}).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, sim.Status)
	assert.Equal(t, schema.NodeStateCompleted, in.NodeState(k("a2", 1)))
	assert.Equal(t, schema.NodeStateSkipped, in.NodeState(k("a1", 1)))
}

func TestSimulator_ReportsFailures(t *testing.T) {
	// No data for the branch conditions: the split can never be satisfied.
	in := newInstance(t, build(t, orModel(2, 1, 1, 1)), nil)
	sim, err := NewSimulator(SimulatorConfig{MaxRounds: 3}).Run(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
	assert.Len(t, sim.Errors, 2)
	assert.Equal(t, schema.InstanceStatusActive, sim.Status)
}

// --- Concurrency ---

func TestInstance_ConcurrentCompletions(t *testing.T) {
	const n = 5
	in := started(t, build(t, andModel(n)), nil)
	doneAll(t, in, k("s", 1), k("sp", 1))

	var fired atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for _, key := range in.Active() {
		g.Go(func() error {
			res, err := in.Complete(ctx, Completion{Key: key})
			if err != nil {
				return err
			}
			fired.Add(int64(len(res.Activated)))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), fired.Load())
	assert.Equal(t, []NodeInstanceKey{k("j", 1)}, in.Active())
	assert.Empty(t, in.Waves("j"))
}

func TestInstance_ConcurrentDuplicates(t *testing.T) {
	in := started(t, build(t, sequenceModel()), nil)
	done(t, in, k("s", 1))

	var applied atomic.Int64
	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			res, err := in.Complete(context.Background(), Completion{Key: k("a", 1), Seq: 1})
			if err != nil {
				return err
			}
			if !res.Duplicate {
				applied.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), applied.Load())
	assert.Len(t, in.Events(), 3)
}
