package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler() (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
	return New(Config{Clock: clock.Now, Interval: 10 * time.Millisecond}), clock
}

// s -> sp(and 2) -> a1, a2 -> j(and 2) -> e
func startedInstance(t *testing.T, id string) *engine.Instance {
	t.Helper()
	m, err := model.NewBuilder("and").
		AddNode(model.StartNode("s")).
		AddNode(model.AndSplit("sp", 2)).
		AddNode(model.ActivityNode("a1")).
		AddNode(model.ActivityNode("a2")).
		AddNode(model.AndJoin("j", 2)).
		AddNode(model.EndNode("e")).
		Chain("s", "sp").
		Chain("sp", "a1", "j").
		Chain("sp", "a2", "j").
		Chain("j", "e").
		Build(true)
	require.NoError(t, err)

	ctx := context.Background()
	in := engine.New(engine.Config{}).NewInstance(m, engine.InstanceOptions{ID: id})
	_, err = in.Start(ctx)
	require.NoError(t, err)
	for _, key := range []engine.NodeInstanceKey{engine.Key("s", 1), engine.Key("sp", 1)} {
		_, err := in.Complete(ctx, engine.Completion{Key: key})
		require.NoError(t, err)
	}
	return in
}

func TestAdd_ComputesDue(t *testing.T) {
	sched, clock := newTestScheduler()
	in := startedInstance(t, "i-1")

	d, err := sched.Add(in, Deadline{Key: engine.Key("a1", 1), After: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "i-1/a1#1", d.ID)
	assert.Equal(t, clock.Now().Add(5*time.Minute), d.Due)
	assert.Equal(t, "deadline i-1/a1#1 expired", d.Reason)

	d, err = sched.Add(in, Deadline{Cron: "0 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, "i-1", d.ID)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), d.Due)

	d, err = sched.Add(in, Deadline{ID: "nightly", Cron: "@daily"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), d.Due)

	pending := sched.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"i-1/a1#1", "i-1", "nightly"}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestAdd_Invalid(t *testing.T) {
	sched, _ := newTestScheduler()
	in := startedInstance(t, "i-1")

	tests := []struct {
		name string
		d    Deadline
	}{
		{"bad cron", Deadline{Cron: "not a cron"}},
		{"both", Deadline{Cron: "@hourly", After: time.Minute}},
		{"negative", Deadline{After: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sched.Add(in, tt.d)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
	assert.Empty(t, sched.Pending())
}

func TestTick_CancelsNode(t *testing.T) {
	sched, clock := newTestScheduler()
	in := startedInstance(t, "i-1")
	ctx := context.Background()

	_, err := sched.Add(in, Deadline{Key: engine.Key("a2", 1), After: time.Minute, Reason: "sla"})
	require.NoError(t, err)

	assert.Zero(t, sched.Tick(ctx))
	assert.Equal(t, schema.NodeStateActive, in.NodeState(engine.Key("a2", 1)))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, sched.Tick(ctx))
	assert.Equal(t, schema.NodeStateCancelled, in.NodeState(engine.Key("a2", 1)))
	assert.Empty(t, sched.Pending())

	events := in.Events()
	last := events[len(events)-1]
	assert.Equal(t, schema.EventNodeCancelled, last.Type)
	assert.Equal(t, "sla", last.Reason)
}

func TestTick_CancelsInstance(t *testing.T) {
	sched, clock := newTestScheduler()
	in := startedInstance(t, "i-1")

	_, err := sched.Add(in, Deadline{Cron: "@hourly"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	assert.Equal(t, 1, sched.Tick(context.Background()))
	assert.Equal(t, schema.InstanceStatusCancelled, in.Status())
	assert.Empty(t, in.Active())
}

func TestTick_DropsObsoleteDeadlines(t *testing.T) {
	sched, clock := newTestScheduler()
	ctx := context.Background()
	in := startedInstance(t, "i-1")
	closed := startedInstance(t, "i-2")
	_, err := closed.Cancel(ctx, "manual")
	require.NoError(t, err)

	_, err = in.Complete(ctx, engine.Completion{Key: engine.Key("a1", 1)})
	require.NoError(t, err)
	_, err = sched.Add(in, Deadline{Key: engine.Key("a1", 1)})
	require.NoError(t, err)
	_, err = sched.Add(closed, Deadline{})
	require.NoError(t, err)
	clock.Advance(time.Second)

	assert.Zero(t, sched.Tick(ctx))
	assert.Empty(t, sched.Pending())
	assert.Equal(t, schema.NodeStateCompleted, in.NodeState(engine.Key("a1", 1)))
	assert.Equal(t, schema.InstanceStatusActive, in.Status())
}

type failingTarget struct {
	*engine.Instance
}

func (failingTarget) Cancel(context.Context, string) (*engine.Result, error) {
	return nil, assert.AnError
}

func TestTick_FailureIsLoggedAndDropped(t *testing.T) {
	sched, _ := newTestScheduler()
	in := startedInstance(t, "i-1")

	_, err := sched.Add(failingTarget{in}, Deadline{})
	require.NoError(t, err)
	assert.Zero(t, sched.Tick(context.Background()))
	assert.Empty(t, sched.Pending())
	assert.Equal(t, schema.InstanceStatusActive, in.Status())
}

func TestRemove(t *testing.T) {
	sched, clock := newTestScheduler()
	in := startedInstance(t, "i-1")

	d, err := sched.Add(in, Deadline{})
	require.NoError(t, err)
	assert.True(t, sched.Remove(d.ID))
	assert.False(t, sched.Remove(d.ID))

	clock.Advance(time.Hour)
	assert.Zero(t, sched.Tick(context.Background()))
	assert.Equal(t, schema.InstanceStatusActive, in.Status())
}

func TestStartStop(t *testing.T) {
	sched, _ := newTestScheduler()
	in := startedInstance(t, "i-1")
	_, err := sched.Add(in, Deadline{Key: engine.Key("a1", 1)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	assert.Error(t, sched.Start(ctx))

	assert.Eventually(t, func() bool {
		return in.NodeState(engine.Key("a1", 1)) == schema.NodeStateCancelled
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
	sched.Stop()
	require.NoError(t, sched.Start(ctx))
	sched.Stop()
}

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler()
	from := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("* * *", from)
	assert.Error(t, err)
}
