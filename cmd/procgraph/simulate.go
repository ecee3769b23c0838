package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/logging"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/internal/scheduler"
	"github.com/rendis/procgraph/internal/store"
	"github.com/rendis/procgraph/internal/streaming"
	"github.com/rendis/procgraph/pkg/schema"
)

// sinkRetry is the retry policy of the store sink during simulations.
var sinkRetry = engine.RetryPolicy{
	Attempts: 3,
	Delay:    50 * time.Millisecond,
	Backoff:  engine.BackoffExponential,
	MaxDelay: time.Second,
}

type simulateOptions struct {
	id        string
	data      string
	schema    string
	persist   bool
	maxRounds int
	deadlines []string
	metrics   bool
	follow    bool
	nodes     []string
}

func (o *simulateOptions) followNodes() []model.NodeID {
	out := make([]model.NodeID, len(o.nodes))
	for i, n := range o.nodes {
		out[i] = model.NodeID(n)
	}
	return out
}

func newSimulateCmd(a *app) *cobra.Command {
	o := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate <definition>",
		Short: "Run an instance to quiescence, completing every active node",
		Long: `Starts an instance of the model and completes its active node instances
round by round until none remain. Deadlines cancel a node instance or the
whole instance ("*") after a delay or at the next cron match:

  procgraph simulate order.yaml --deadline "review#1=0s" --deadline "*=@hourly"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, a, args[0])
		},
	}
	cmd.Flags().StringVar(&o.id, "id", "", "instance id (default: a random UUID)")
	cmd.Flags().StringVar(&o.data, "data", "", "instance data as JSON, or @file")
	cmd.Flags().StringVar(&o.schema, "data-schema", "", "JSON Schema the instance data must satisfy, inline or @file")
	cmd.Flags().BoolVar(&o.persist, "store", false, "record the model and the instance's event log in the database")
	cmd.Flags().IntVar(&o.maxRounds, "max-rounds", engine.DefaultMaxRounds, "maximum simulation rounds")
	cmd.Flags().StringArrayVar(&o.deadlines, "deadline", nil, "KEY=DURATION or KEY=CRON; KEY is node#index or *")
	cmd.Flags().BoolVar(&o.metrics, "metrics", false, "print engine metrics after the run")
	cmd.Flags().BoolVar(&o.follow, "follow", false, "stream every applied event to stderr as JSON lines")
	cmd.Flags().StringSliceVar(&o.nodes, "follow-node", nil, "with --follow, only events that touch these nodes")
	return cmd
}

func (o *simulateOptions) run(cmd *cobra.Command, a *app, path string) error {
	ctx := cmd.Context()
	ev, err := a.evaluator()
	if err != nil {
		return err
	}
	l, err := a.loader(ev)
	if err != nil {
		return err
	}
	m, err := l.LoadFile(path)
	if err != nil {
		printIssues(cmd, err)
		return err
	}
	data, err := parseData(o.data)
	if err != nil {
		return err
	}
	if o.schema != "" {
		if err := a.validateData(ev, data, o.schema); err != nil {
			return err
		}
	}
	deadlines := make([]scheduler.Deadline, 0, len(o.deadlines))
	for _, arg := range o.deadlines {
		d, err := parseDeadline(arg)
		if err != nil {
			return err
		}
		deadlines = append(deadlines, d)
	}

	reg := prometheus.NewRegistry()
	cfg := engine.Config{Evaluator: ev, Logger: a.logger, Metrics: engine.NewMetrics(reg)}
	opts := engine.InstanceOptions{ID: o.id, Data: data}

	var st *store.LibSQLStore
	if o.persist {
		if st, err = a.openStore(ctx); err != nil {
			return err
		}
		defer st.Close()
		if m, err = storeModel(ctx, st, m, a.buildOptions()); err != nil {
			return err
		}
		cfg.Sink = &engine.RetrySink{Sink: st, Policy: sinkRetry, Logger: a.logger}
	}
	if o.follow {
		hub := streaming.NewMemoryHub()
		stop, err := follow(ctx, hub, o.followNodes(), a.stderr, a.logger)
		if err != nil {
			return err
		}
		defer stop()
		cfg.Sink = hub.Sink(cfg.Sink)
	}

	var in *engine.Instance
	if st != nil {
		if in, err = store.NewEventLog(st).Begin(ctx, engine.New(cfg), m, opts); err != nil {
			return err
		}
	} else {
		in = engine.New(cfg).NewInstance(m, opts)
	}
	ctx = logging.WithIDs(ctx, in.ID(), "", m.UUID().String())

	if _, err := in.Start(ctx); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{Logger: a.logger})
	for _, d := range deadlines {
		if _, err := sched.Add(in, d); err != nil {
			return err
		}
	}
	// Deadlines already due apply before the first round.
	sched.Tick(ctx)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	sim, runErr := engine.NewSimulator(engine.SimulatorConfig{
		PoolSize:  a.cfg.PoolSize,
		MaxRounds: o.maxRounds,
		Logger:    a.logger,
	}).Run(ctx, in)
	sched.Stop()
	if sim == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if err := printJSON(out, simulateResult{
		InstanceID: in.ID(),
		Simulation: sim,
		Active:     keyStrings(in.Active()),
		Finished:   keyStrings(in.Completed()),
	}); err != nil {
		return err
	}
	if o.metrics {
		if err := printMetrics(out, reg); err != nil {
			return err
		}
	}
	return runErr
}

type simulateResult struct {
	InstanceID string `json:"instance_id"`
	*engine.Simulation
	Active   []string `json:"active,omitempty"`
	Finished []string `json:"completed_keys"`
}

// follow prints every event published on hub that concerns nodes (all when
// empty) to w as a JSON line until the returned stop function runs. stop
// drains what is already buffered.
func follow(ctx context.Context, hub *streaming.MemoryHub, nodes []model.NodeID, w io.Writer, logger *slog.Logger) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{Nodes: nodes})
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(w)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			_ = enc.Encode(ev)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
		if dropped := hub.Stats().Dropped; dropped > 0 {
			logger.Warn("follow fell behind", "dropped_events", dropped)
		}
	}, nil
}

// storeModel records m and returns it rebuilt with its store handle.
func storeModel(ctx context.Context, st store.Store, m *model.RootModel, opts model.BuildOptions) (*model.RootModel, error) {
	rec := store.NewModelRecord(m)
	if err := st.CreateModel(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Build(opts)
}

// parseDeadline reads KEY=WHEN. KEY is a node instance key ("review" means
// review#1) or "*" for the whole instance. WHEN is a Go duration or a cron
// expression.
func parseDeadline(arg string) (scheduler.Deadline, error) {
	target, when, ok := strings.Cut(arg, "=")
	if !ok || when == "" {
		return scheduler.Deadline{}, schema.NewErrorf(schema.ErrCodeValidation, "deadline %q: want KEY=DURATION or KEY=CRON", arg)
	}
	var d scheduler.Deadline
	if target != "*" {
		key, err := engine.ParseKey(target)
		if err != nil {
			return d, err
		}
		if key.Index == 0 {
			key.Index = 1
		}
		d.Key = key
	}
	if after, err := time.ParseDuration(when); err == nil {
		d.After = after
	} else {
		d.Cron = when
	}
	return d, nil
}

func keyStrings(keys []engine.NodeInstanceKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// printMetrics writes every collected counter as "name{labels} value".
func printMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
		}
	}
	return nil
}
