package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// DefaultMaxSteps bounds the tokens a single event may move.
const DefaultMaxSteps = 100_000

// Config holds the collaborators shared by every instance of an Engine.
type Config struct {
	Evaluator ConditionEvaluator // nil: every condition fails to evaluate
	Sink      DeltaSink          // nil: deltas are not persisted
	Logger    *slog.Logger       // nil: slog.Default()
	Metrics   *Metrics           // nil: no metrics
	MaxSteps  int                // <= 0: DefaultMaxSteps
	Clock     func() time.Time   // nil: time.Now
}

// Engine creates and restores process instances.
type Engine struct {
	evaluator ConditionEvaluator
	sink      DeltaSink
	logger    *slog.Logger
	metrics   *Metrics
	maxSteps  int
	now       func() time.Time
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		evaluator: cfg.Evaluator,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		maxSteps:  cfg.MaxSteps,
		now:       cfg.Clock,
	}
	if e.evaluator == nil {
		e.evaluator = ConditionFunc(func(_ context.Context, c model.Condition, _ map[string]any) (bool, error) {
			return false, schema.NewErrorf(schema.ErrCodeCondition, "no condition evaluator configured for %s", c)
		})
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.maxSteps <= 0 {
		e.maxSteps = DefaultMaxSteps
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// InstanceOptions configures a new instance.
type InstanceOptions struct {
	ID   string         // "": a random UUID
	Data map[string]any // initial instance data
}

// NewInstance creates a pending instance of m. Call Start to run it.
func (e *Engine) NewInstance(m *model.RootModel, opts InstanceOptions) *Instance {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Instance{
		id:    id,
		model: m,
		eng:   e,
		sink:  e.sink,
		st:    newState(opts.Data),
	}
}

// Restore rebuilds an instance by replaying its event log. The sink is not
// called for replayed events; it is attached once the replay succeeds.
func (e *Engine) Restore(ctx context.Context, m *model.RootModel, id string, data map[string]any, events []Event) (*Instance, error) {
	in := e.NewInstance(m, InstanceOptions{ID: id, Data: data})
	in.sink = nil
	for _, ev := range events {
		if err := in.replay(ctx, ev); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "replay of event %d (%s) failed", ev.Sequence, ev.Type).
				WithCause(err).
				WithDetails(map[string]any{"instance_id": id, "sequence": ev.Sequence})
		}
	}
	in.sink = e.sink
	e.logger.Debug("instance restored", "instance_id", id, "events", len(events), "status", string(in.Status()))
	return in, nil
}
