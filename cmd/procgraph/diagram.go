package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/procgraph/internal/diagram"
	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/internal/store"
	"github.com/rendis/procgraph/pkg/schema"
)

type diagramOptions struct {
	format   string
	instance string
	output   string
}

func newDiagramCmd(a *app) *cobra.Command {
	o := &diagramOptions{}
	cmd := &cobra.Command{
		Use:   "diagram [definition]",
		Short: "Render a model, optionally with the state of a stored instance",
		Long: `Renders the model of a definition file as Mermaid, ASCII boxes, PNG or SVG.
With --instance the model and node states come from a stored instance instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && o.instance == "" {
				return schema.NewError(schema.ErrCodeValidation, "a definition file or --instance is required")
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return o.run(cmd, a, path)
		},
	}
	cmd.Flags().StringVarP(&o.format, "format", "f", "mermaid", "mermaid, ascii, png or svg")
	cmd.Flags().StringVar(&o.instance, "instance", "", "overlay the node states of this stored instance")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func (o *diagramOptions) run(cmd *cobra.Command, a *app, path string) error {
	ctx := cmd.Context()
	var (
		m     *model.RootModel
		nodes []engine.NodeSnapshot
	)
	if o.instance != "" {
		st, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		ev, err := a.evaluator()
		if err != nil {
			return err
		}
		in, err := store.NewEventLog(st).Load(ctx, engine.New(engine.Config{Evaluator: ev, Logger: a.logger}), a.buildOptions(), o.instance)
		if err != nil {
			return err
		}
		m, nodes = in.Model(), in.Snapshot().Nodes
	} else {
		ev, err := a.evaluator()
		if err != nil {
			return err
		}
		l, err := a.loader(ev)
		if err != nil {
			return err
		}
		if m, err = l.LoadFile(path); err != nil {
			printIssues(cmd, err)
			return err
		}
	}

	dm, err := diagram.Build(m, nodes)
	if err != nil {
		return err
	}
	var out []byte
	switch o.format {
	case "mermaid":
		out = []byte(diagram.RenderMermaid(dm))
	case "ascii":
		out = []byte(diagram.RenderASCII(dm))
	case "png", "svg":
		if out, err = diagram.RenderImage(ctx, dm, diagram.ImageFormat(o.format)); err != nil {
			return err
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", o.format)
	}

	if o.output == "" {
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}
	if err := os.WriteFile(o.output, out, 0o644); err != nil {
		return fmt.Errorf("write diagram: %w", err)
	}
	a.logger.Info("diagram written", "path", o.output, "format", o.format)
	return nil
}
