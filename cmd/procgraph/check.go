package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/procgraph/internal/trace"
	"github.com/rendis/procgraph/pkg/schema"
)

type checkOptions struct {
	data            string
	requireComplete bool
	deterministic   bool
}

func newCheckCmd(a *app) *cobra.Command {
	o := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check <definition> <trace>...",
		Short: "Judge completion traces against a model",
		Long: `Replays each trace through the execution core and reports whether the model
accepts it. A trace lists completions separated by commas, spaces or "->":

  procgraph check order.yaml "s, sp{a1,a3}, a1, a3, j, e"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, a, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&o.data, "data", "", "instance data as JSON, or @file")
	cmd.Flags().BoolVar(&o.requireComplete, "require-complete", false, "reject traces that leave the instance unfinished")
	cmd.Flags().BoolVar(&o.deterministic, "deterministic", false, "do not search split branch subsets")
	return cmd
}

func (o *checkOptions) run(cmd *cobra.Command, a *app, path string, traces []string) error {
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

	opts := []trace.Option{trace.WithData(data)}
	if o.requireComplete {
		opts = append(opts, trace.WithRequireCompletion())
	}
	if o.deterministic {
		opts = append(opts, trace.WithDeterministicSplits())
	}

	checker := trace.NewChecker(ev, a.logger)
	rejected := 0
	for _, text := range traces {
		steps, err := trace.ParseTrace(text)
		if err != nil {
			return err
		}
		v := checker.Check(cmd.Context(), m, steps, opts...)
		if !v.Valid {
			rejected++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s => %s\n", text, v)
	}
	if rejected > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%d of %d traces rejected", rejected, len(traces))
	}
	return nil
}
