package idkey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLockTokenShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		tok, err := NewLockToken()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(tok, LockTokenPrefix))
		require.GreaterOrEqual(t, len(tok), 32)
		require.False(t, seen[tok], "fencing token collision")
		seen[tok] = true
	}
}
