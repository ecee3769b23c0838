package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/procgraph/internal/definition"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

type validateOptions struct {
	output string
}

func newValidateCmd(a *app) *cobra.Command {
	o := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate <definition>",
		Short: "Validate a process definition and build its model",
		Long: `Decodes a JSON or YAML process definition, validates the document and its
conditions, then builds the model. With --output the normalized definition
(implicit edges, bounds and identifiers filled in) is written back out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, a, args[0])
		},
	}
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "write the normalized definition to this file (.json, .yaml or .yml)")
	return cmd
}

func (o *validateOptions) run(cmd *cobra.Command, a *app, path string) error {
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

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: model %q is valid (%d nodes", path, m.Name(), m.NodeCount())
	if n := len(m.Children()); n > 0 {
		fmt.Fprintf(out, ", %d child models", n)
	}
	fmt.Fprintln(out, ")")
	for _, n := range m.Nodes() {
		fmt.Fprintf(out, "  %-20s %-10s -> %v\n", n.ID(), n.KindName(), nodeIDs(n.Successors()))
	}

	if o.output != "" {
		if err := definition.WriteFile(o.output, definition.FromModel(m)); err != nil {
			return err
		}
		a.logger.Info("normalized definition written", "path", o.output)
	}
	return nil
}

// printIssues lists the individual validation issues carried by err.
func printIssues(cmd *cobra.Command, err error) {
	for _, issue := range schema.IssuesOf(err) {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s: [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
}

func nodeIDs(ids []model.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
