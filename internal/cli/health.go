package cli

import (
	"github.com/spf13/cobra"
)

// NewHealthCommand pings the configured store's backend.
func NewHealthCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "health",
		Short:         "Check store backend reachability",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer closeStore()

			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := s.HealthCheck(cmd.Context()); err != nil {
				_ = formatter.Success(map[string]string{"status": "unhealthy", "error": err.Error()})
				return WrapExitError(ExitFailure, "health check failed", err)
			}
			return formatter.Success(map[string]string{"status": "healthy"})
		},
	}

	return cmd
}
