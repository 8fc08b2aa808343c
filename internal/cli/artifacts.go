package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"facturx-relay/internal/storage"
)

func NewArtifactsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Manage stored Factur-X artifacts",
	}
	cmd.AddCommand(newArtifactsCleanupCommand(opts))
	return cmd
}

func newArtifactsCleanupCommand(opts *RootOptions) *cobra.Command {
	var (
		prefix    string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete artifacts older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			objects, err := storage.New(ctx, opts.cfg)
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = opts.cfg.ArtifactRetention
			}
			removed, err := CleanupArtifacts(ctx, objects, prefix, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			opts.logger.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("artifact cleanup")
			return printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "removed": removed})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "tenants", "only clean keys under this prefix")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention (default ARTIFACT_RETENTION_DAYS)")
	return cmd
}

// CleanupArtifacts removes artifacts last written before cutoff.
func CleanupArtifacts(ctx context.Context, objects storage.Store, prefix string, cutoff time.Time) (int, error) {
	cleaner, ok := objects.(storage.Cleaner)
	if !ok {
		return 0, fmt.Errorf("storage %T does not support cleanup", objects)
	}
	return cleaner.Cleanup(ctx, prefix, cutoff)
}
