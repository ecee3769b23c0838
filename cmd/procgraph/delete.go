package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd(a *app) *cobra.Command {
	var vacuum bool
	cmd := &cobra.Command{
		Use:   "delete <instance-id>...",
		Short: "Delete stored instances with their event logs and node states",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range args {
				if err := st.DeleteInstance(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			if vacuum {
				if err := st.Vacuum(ctx); err != nil {
					return fmt.Errorf("vacuum: %w", err)
				}
				a.logger.Info("database vacuumed", "db_path", a.cfg.DBPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "reclaim free pages afterwards")
	return cmd
}
