// Command idempotency-admin is an operator CLI over an idempotency
// store: force a cleanup sweep, inspect one key's record, or check
// backend health.
package main

import (
	"log/slog"
	"os"

	"quantumlife-idempotency/internal/cli"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
