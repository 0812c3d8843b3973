package cli

import (
	"github.com/spf13/cobra"

	"quantumlife-idempotency/internal/sweeper"
	"quantumlife-idempotency/pkg/store"
)

// SweepResult is the JSON/text payload for the sweep command.
type SweepResult struct {
	DeletedCount int  `json:"deleted_count"`
	ScannedCount int  `json:"scanned_count"`
	Exhausted    bool `json:"exhausted"`
}

// NewSweepCommand forces one full cleanup pass over the configured store.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	var batchSize int
	var maxRecords int

	cmd := &cobra.Command{
		Use:           "sweep",
		Short:         "Run one cleanup sweep, deleting expired records",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer closeStore()

			sw := sweeper.New(s, sweeper.Config{
				Opts: store.CleanupOptions{BatchSize: batchSize, MaxRecords: maxRecords},
			})

			res, err := sw.Run(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "sweep failed", err)
			}

			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Success(SweepResult{
				DeletedCount: res.DeletedCount,
				ScannedCount: res.ScannedCount,
				Exhausted:    res.Exhausted,
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 1000, "maximum records deleted per Cleanup call")
	cmd.Flags().IntVar(&maxRecords, "max-records", 0, "maximum records examined per Cleanup call (0 = unbounded)")

	return cmd
}
