package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rendis/procgraph/pkg/schema"
)

// DefaultMaxRounds bounds the rounds of a simulation.
const DefaultMaxRounds = 1000

// OutputFunc produces the output reported for a simulated completion.
type OutputFunc func(key NodeInstanceKey) map[string]any

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	PoolSize  int
	MaxRounds int
	Output    OutputFunc // nil: no output
	Logger    *slog.Logger
}

// Simulation summarizes a simulator run.
type Simulation struct {
	Status    schema.InstanceStatus `json:"status"`
	Rounds    int                   `json:"rounds"`
	Completed int                   `json:"completed"`
	Errors    []string              `json:"errors,omitempty"`
}

// Simulator drives an instance to quiescence. Each round completes every
// active node instance concurrently.
type Simulator struct {
	cfg SimulatorConfig
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.Output == nil {
		cfg.Output = func(NodeInstanceKey) map[string]any { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Simulator{cfg: cfg}
}

// Run starts the instance if it is pending and completes active node
// instances until none remain, the instance is terminal or MaxRounds is hit.
// Composite instances are skipped; they complete with their child scope.
func (s *Simulator) Run(ctx context.Context, in *Instance) (*Simulation, error) {
	if in.Status() == schema.InstanceStatusPending {
		if _, err := in.Start(ctx); err != nil {
			return nil, err
		}
	}

	var (
		mu   sync.Mutex
		errs []error
		done int
	)
	pool := NewWorkerPool(s.cfg.PoolSize, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	defer pool.Close()

	sim := &Simulation{}
	for sim.Rounds < s.cfg.MaxRounds {
		keys := s.completable(in)
		if len(keys) == 0 || in.Status().Terminal() {
			break
		}
		sim.Rounds++
		for _, key := range keys {
			err := pool.Submit(ctx, func(ctx context.Context) error {
				if _, err := in.Complete(ctx, Completion{Key: key, Output: s.cfg.Output(key)}); err != nil {
					return err
				}
				mu.Lock()
				done++
				mu.Unlock()
				return nil
			})
			if err != nil {
				pool.Wait()
				return nil, err
			}
		}
		pool.Wait()
	}

	sim.Status = in.Status()
	sim.Completed = done
	for _, err := range errs {
		sim.Errors = append(sim.Errors, err.Error())
	}
	s.cfg.Logger.Info("simulation finished",
		"instance_id", in.ID(), "status", string(sim.Status), "rounds", sim.Rounds, "completed", done, "errors", len(errs))
	if len(errs) > 0 {
		return sim, schema.NewErrorf(schema.ErrCodeExecution, "%d completions failed", len(errs)).WithCause(errors.Join(errs...))
	}
	return sim, nil
}

func (s *Simulator) completable(in *Instance) []NodeInstanceKey {
	var out []NodeInstanceKey
	for _, key := range in.Active() {
		if n, ok := in.Model().Node(key.Node); ok {
			if _, composite := n.Composite(); composite {
				continue
			}
		}
		out = append(out, key)
	}
	return out
}
