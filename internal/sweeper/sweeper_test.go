package sweeper_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quantumlife-idempotency/internal/store/memory"
	"quantumlife-idempotency/internal/sweeper"
	"quantumlife-idempotency/pkg/store"
)

func TestRunSweepsAcrossMultipleBatches(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()

	// Record TTLs have millisecond precision (idkey.ExpiresAt), so the
	// records are written a minute in the past with a 1ms TTL: live when
	// recorded, long expired when the sweep runs.
	now := time.Now().Add(-time.Minute)
	for i := 0; i < 250; i++ {
		key := fmt.Sprintf("sweep-%d", i)
		lr, err := s.StartProcessing(context.Background(), now, key, "h", time.Second, time.Millisecond, store.StartMeta{})
		require.NoError(t, err)
		_, err = s.Record(context.Background(), now, key, "h", lr.LockToken, []byte("x"), 200, "text/plain", nil, time.Millisecond, false, nil)
		require.NoError(t, err)
	}

	sw := sweeper.New(s, sweeper.Config{Opts: store.CleanupOptions{BatchSize: 100}})
	res, err := sw.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 250, res.DeletedCount)
	require.True(t, res.Exhausted)

	cr, err := s.Check(context.Background(), time.Now(), "sweep-0", "h")
	require.NoError(t, err)
	require.False(t, cr.Found)
}

func TestStartAndStopRunsInBackground(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()

	now := time.Now().Add(-time.Minute)
	lr, err := s.StartProcessing(context.Background(), now, "bg-key", "h", time.Second, time.Millisecond, store.StartMeta{})
	require.NoError(t, err)
	_, err = s.Record(context.Background(), now, "bg-key", "h", lr.LockToken, []byte("x"), 200, "text/plain", nil, time.Millisecond, false, nil)
	require.NoError(t, err)

	sw := sweeper.New(s, sweeper.Config{Interval: 10 * time.Millisecond, Opts: store.CleanupOptions{BatchSize: 10}})
	sw.Start()
	defer sw.Stop()

	require.Eventually(t, func() bool {
		cr, err := s.Check(context.Background(), time.Now(), "bg-key", "h")
		return err == nil && !cr.Found
	}, time.Second, 5*time.Millisecond)
}
