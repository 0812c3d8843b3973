package cli_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"quantumlife-idempotency/internal/cli"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := cli.NewRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHealthOnMemoryStoreSucceeds(t *testing.T) {
	out, err := runCLI(t, "health", "--store", "memory")
	require.NoError(t, err)
	require.Contains(t, out, "healthy")
}

func TestSweepOnEmptyMemoryStoreReportsZero(t *testing.T) {
	out, err := runCLI(t, "sweep", "--store", "memory")
	require.NoError(t, err)
	require.Contains(t, out, "DeletedCount:0")
	require.Contains(t, out, "Exhausted:true")
}

func TestInspectMissingKeyReturnsFailureExitCode(t *testing.T) {
	_, err := runCLI(t, "inspect", "does-not-exist", "--store", "memory")
	require.Error(t, err)
	require.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
}

func TestInspectJSONOutputReportsNotFound(t *testing.T) {
	out, err := runCLI(t, "inspect", "does-not-exist", "--store", "memory", "--format", "json")
	require.Error(t, err)
	require.True(t, strings.Contains(out, `"found":false`))
}

func TestUnknownBackendIsCommandError(t *testing.T) {
	_, err := runCLI(t, "health", "--store", "carrier-pigeon")
	require.Error(t, err)
	require.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

func TestInvalidFormatRejected(t *testing.T) {
	_, err := runCLI(t, "health", "--format", "xml")
	require.Error(t, err)
	require.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}
