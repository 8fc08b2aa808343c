package cli

import (
	"github.com/spf13/cobra"

	"facturx-relay/internal/app"
	"facturx-relay/internal/worker"
)

// NewReconcileCommand enqueues the RECONCILE_PDP job of the current bucket,
// the same job the workers' reconcile driver would enqueue.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Enqueue a PDP status reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := app.Connect(ctx, opts.cfg, opts.logger, false)
			if err != nil {
				return err
			}
			defer st.Close()

			if batch <= 0 {
				batch = opts.cfg.ReconcileBatch
			}
			r := worker.NewReconciler(app.NewQueue(opts.cfg, st, opts.logger), opts.cfg.ReconcileInterval, batch, opts.logger)
			res, err := r.Tick(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "jobId": res.ID, "enqueued": res.Enqueued})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "max submissions to re-poll (default RECONCILE_BATCH)")
	return cmd
}
