package main

import (
	"slices"

	"github.com/spf13/cobra"

	"github.com/rendis/procgraph/internal/store"
	"github.com/rendis/procgraph/pkg/schema"
)

var instanceStatuses = []schema.InstanceStatus{
	schema.InstanceStatusPending,
	schema.InstanceStatusActive,
	schema.InstanceStatusCompleted,
	schema.InstanceStatusFailed,
	schema.InstanceStatusCancelled,
}

type listOptions struct {
	models bool
	status string
	model  int64
	limit  int
	offset int
}

// modelSummary is a stored model without its definition document.
type modelSummary struct {
	Handle int64  `json:"handle"`
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	Owner  string `json:"owner,omitempty"`
	Nodes  int    `json:"nodes"`
}

func newListCmd(a *app) *cobra.Command {
	o := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored instances, or stored models with --models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd, a)
		},
	}
	cmd.Flags().BoolVar(&o.models, "models", false, "list models instead of instances")
	cmd.Flags().StringVar(&o.status, "status", "", "only instances with this status")
	cmd.Flags().Int64Var(&o.model, "model", 0, "only instances of this model handle")
	cmd.Flags().IntVar(&o.limit, "limit", 0, "maximum number of instances")
	cmd.Flags().IntVar(&o.offset, "offset", 0, "instances to skip")
	return cmd
}

func (o *listOptions) run(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	filter := store.InstanceFilter{ModelHandle: o.model, Limit: o.limit, Offset: o.offset}
	if o.status != "" {
		st := schema.InstanceStatus(o.status)
		if !slices.Contains(instanceStatuses, st) {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown instance status %q", o.status)
		}
		filter.Status = &st
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if o.models {
		recs, err := st.ListModels(ctx)
		if err != nil {
			return err
		}
		out := make([]modelSummary, len(recs))
		for i, r := range recs {
			out[i] = modelSummary{Handle: r.Handle, UUID: r.UUID, Name: r.Name, Owner: r.Owner, Nodes: len(r.Definition.Nodes)}
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	recs, err := st.ListInstances(ctx, filter)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*store.InstanceRecord{}
	}
	return printJSON(cmd.OutOrStdout(), recs)
}
