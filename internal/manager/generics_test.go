package manager_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"quantumlife-idempotency/internal/manager"
	"quantumlife-idempotency/internal/store/memory"
	"quantumlife-idempotency/pkg/store"
)

type payment struct {
	ID string `json:"id"`
}

func TestExecuteJSONRoundTrips(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()
	m := manager.New(s, manager.DefaultConfig())

	calls := 0
	op := func(ctx context.Context) (payment, int, error) {
		calls++
		return payment{ID: "p1"}, 201, nil
	}

	v1, replayed1, err := manager.ExecuteJSON(context.Background(), m, "k1", "h1", store.StartMeta{}, op)
	require.NoError(t, err)
	require.False(t, replayed1)
	require.Equal(t, "p1", v1.ID)

	v2, replayed2, err := manager.ExecuteJSON(context.Background(), m, "k1", "h1", store.StartMeta{}, op)
	require.NoError(t, err)
	require.True(t, replayed2)
	require.Equal(t, "p1", v2.ID)
	require.Equal(t, 1, calls)
}
