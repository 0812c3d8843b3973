// Package cli implements the idempotency-admin command-line tool:
// operator-facing sweep/inspect/health subcommands over a configured
// store.Store.
package cli

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quantumlife-idempotency/internal/store/memory"
	"quantumlife-idempotency/internal/store/rediskv"
	sqlstore "quantumlife-idempotency/internal/store/sql"
	"quantumlife-idempotency/pkg/store"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	Verbose    bool
	Format     string
	Backend    string
	SQLitePath string
	RedisAddr  string
}

var validFormats = []string{"text", "json"}

// NewRootCommand builds the idempotency-admin command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "idempotency-admin",
		Short: "Operate on an idempotency store",
		Long:  "Inspect records, force a cleanup sweep, and check store health.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "store", "memory", "backend: memory, sqlite, redis")
	cmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite-path", "idempotency.db", "sqlite database path (store=sqlite)")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis-addr", "localhost:6379", "redis address (store=redis)")

	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openStore opens the backend named by opts.Backend. Memory is mostly
// useful for --help smoke tests; the sweep/inspect/health subcommands are
// meant for sqlite or redis.
func openStore(opts *RootOptions) (store.Store, func(), error) {
	switch opts.Backend {
	case "memory":
		s := memory.New(memory.Config{})
		return s, func() { s.Close() }, nil

	case "sqlite":
		s, err := sqlstore.Open(sqlstore.Config{Path: opts.SQLitePath})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		s := rediskv.New(rediskv.Config{Client: client, OwnsClient: true})
		return s, func() { s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (want memory, sqlite, redis)", opts.Backend)
	}
}
