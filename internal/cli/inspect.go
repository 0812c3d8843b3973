package cli

import (
	"time"

	"github.com/spf13/cobra"

	"quantumlife-idempotency/pkg/store"
)

// InspectResult is the JSON/text payload for the inspect command.
type InspectResult struct {
	Found           bool      `json:"found"`
	RequestMismatch bool      `json:"request_mismatch,omitempty"`
	Status          string    `json:"status,omitempty"`
	HTTPStatusCode  int       `json:"http_status_code,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompletedAt     time.Time `json:"completed_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// NewInspectCommand looks up one idempotency key's current record.
//
// The request hash (--hash) is optional, but Check enforces the same
// mismatch isolation a live request would hit (spec §3): inspecting a
// key without its original request hash, or with a different one,
// reports RequestMismatch rather than leaking the stored response.
func NewInspectCommand(opts *RootOptions) *cobra.Command {
	var requestHash string

	cmd := &cobra.Command{
		Use:           "inspect <key>",
		Short:         "Look up one idempotency key's current record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer closeStore()

			res, err := s.Check(cmd.Context(), time.Now(), args[0], requestHash)
			if err != nil {
				return WrapExitError(ExitFailure, "check failed", err)
			}

			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := formatter.Success(toInspectResult(res)); err != nil {
				return err
			}
			if !res.Found {
				return NewExitError(ExitFailure, "key not found")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&requestHash, "hash", "", "request fingerprint hash to check against (leave empty to only confirm existence)")

	return cmd
}

func toInspectResult(res store.CheckResult) InspectResult {
	return InspectResult{
		Found:           res.Found,
		RequestMismatch: res.RequestMismatch,
		Status:          string(res.Status),
		HTTPStatusCode:  res.HTTPStatusCode,
		CreatedAt:       res.CreatedAt,
		UpdatedAt:       res.UpdatedAt,
		CompletedAt:     res.CompletedAt,
		ExpiresAt:       res.ExpiresAt,
	}
}
