// Package scheduler injects timeouts into running instances. Deadlines are
// external to the engine: when one falls due the scheduler cancels the node
// instance or the whole instance through the ordinary event API.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/pkg/schema"
)

// DefaultInterval is the polling period of the background loop.
const DefaultInterval = time.Second

// Target is the part of an instance a deadline acts on. *engine.Instance
// satisfies it.
type Target interface {
	ID() string
	Status() schema.InstanceStatus
	NodeState(key engine.NodeInstanceKey) schema.NodeState
	CancelNode(ctx context.Context, key engine.NodeInstanceKey, reason string) (*engine.Result, error)
	Cancel(ctx context.Context, reason string) (*engine.Result, error)
}

// Deadline cancels a node instance (Key set) or the whole instance (zero
// Key). It falls due After the moment it is added, or at the next time
// matching Cron; exactly one of the two is set.
type Deadline struct {
	ID     string                 `json:"id"`
	Key    engine.NodeInstanceKey `json:"key,omitzero"`
	After  time.Duration          `json:"after,omitempty"`
	Cron   string                 `json:"cron,omitempty"`
	Reason string                 `json:"reason,omitempty"`
	Due    time.Time              `json:"due"`
}

type entry struct {
	deadline Deadline
	target   Target
}

// Config configures a Scheduler.
type Config struct {
	Interval time.Duration    // <= 0: DefaultInterval
	Logger   *slog.Logger     // nil: slog.Default()
	Clock    func() time.Time // nil: time.Now
}

// Scheduler holds pending deadlines and fires the due ones.
type Scheduler struct {
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex // guards pending, cancel and done
	pending map[string]entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // deadline IDs currently firing
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: cfg.Interval,
		logger:   cfg.Logger,
		now:      cfg.Clock,
		pending:  make(map[string]entry),
		inflight: make(map[string]struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Add registers d against target and returns it with Due filled in. A
// deadline with the same ID replaces the previous one.
func (s *Scheduler) Add(target Target, d Deadline) (Deadline, error) {
	if d.ID == "" {
		d.ID = target.ID()
		if !d.Key.IsZero() {
			d.ID += "/" + d.Key.String()
		}
	}
	now := s.now()
	switch {
	case d.Cron != "" && d.After != 0:
		return d, schema.NewErrorf(schema.ErrCodeValidation, "deadline %s sets both cron and after", d.ID)
	case d.Cron != "":
		next, err := s.CalculateNextRun(d.Cron, now)
		if err != nil {
			return d, schema.NewErrorf(schema.ErrCodeValidation, "deadline %s", d.ID).WithCause(err)
		}
		d.Due = next
	case d.After < 0:
		return d, schema.NewErrorf(schema.ErrCodeValidation, "deadline %s has negative delay %s", d.ID, d.After)
	default:
		d.Due = now.Add(d.After)
	}
	if d.Reason == "" {
		d.Reason = "deadline " + d.ID + " expired"
	}

	s.mu.Lock()
	s.pending[d.ID] = entry{deadline: d, target: target}
	s.mu.Unlock()
	s.logger.Debug("deadline added", "deadline_id", d.ID, "instance_id", target.ID(), "key", d.Key.String(), "due", d.Due)
	return d, nil
}

// Remove drops a pending deadline. It reports whether one was pending.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	return ok
}

// Pending returns the pending deadlines ordered by due time, then ID.
func (s *Scheduler) Pending() []Deadline {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Deadline, 0, len(s.pending))
	for _, id := range slices.Sorted(maps.Keys(s.pending)) {
		out = append(out, s.pending[id].deadline)
	}
	slices.SortStableFunc(out, func(a, b Deadline) int { return a.Due.Compare(b.Due) })
	return out
}

// Start launches the background loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every deadline due at the scheduler's current time, in due
// order, and returns how many it fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	var due []entry
	s.mu.Lock()
	for id, e := range s.pending {
		if !e.deadline.Due.After(now) {
			due = append(due, e)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(due, func(a, b entry) int {
		if c := a.deadline.Due.Compare(b.deadline.Due); c != 0 {
			return c
		}
		return strings.Compare(a.deadline.ID, b.deadline.ID)
	})

	fired := 0
	for _, e := range due {
		if !s.tryAcquire(e.deadline.ID) {
			continue
		}
		ok, err := s.fire(ctx, e)
		s.release(e.deadline.ID)
		if err != nil {
			s.logger.Error("deadline failed",
				slog.String("deadline_id", e.deadline.ID),
				slog.String("instance_id", e.target.ID()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired
}

// fire applies one deadline. A deadline whose node instance is no longer
// active, or whose instance is already closed, is dropped.
func (s *Scheduler) fire(ctx context.Context, e entry) (bool, error) {
	d, t := e.deadline, e.target
	if t.Status() != schema.InstanceStatusActive {
		s.logger.Debug("deadline obsolete", "deadline_id", d.ID, "status", string(t.Status()))
		return false, nil
	}
	if d.Key.IsZero() {
		if _, err := t.Cancel(ctx, d.Reason); err != nil {
			return false, err
		}
		s.logger.Info("instance cancelled by deadline", "deadline_id", d.ID, "instance_id", t.ID())
		return true, nil
	}
	if st := t.NodeState(d.Key); st != schema.NodeStateActive {
		s.logger.Debug("deadline obsolete", "deadline_id", d.ID, "key", d.Key.String(), "state", string(st))
		return false, nil
	}
	if _, err := t.CancelNode(ctx, d.Key, d.Reason); err != nil {
		return false, err
	}
	s.logger.Info("node cancelled by deadline", "deadline_id", d.ID, "instance_id", t.ID(), "key", d.Key.String())
	return true, nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next time after from that matches cronExpr.
// Five-field expressions and descriptors such as @hourly are accepted.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the background loop down and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}
