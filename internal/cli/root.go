// Package cli implements relayctl, the operator command line.
package cli

import (
	"encoding/json"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"facturx-relay/internal/config"
	"facturx-relay/internal/observability"
)

// RootOptions is shared by every subcommand.
type RootOptions struct {
	Verbose bool

	cfg    config.Config
	logger zerolog.Logger
}

// NewRootCommand creates relayctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operate the Factur-X relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts.cfg = config.Load()
			level := opts.cfg.LogLevel
			if opts.Verbose {
				level = "debug"
			}
			opts.logger = observability.SetupLogger(level, opts.cfg.LogPretty, "relayctl")
			return nil
		},
	}
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTenantCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewArtifactsCommand(opts))
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
