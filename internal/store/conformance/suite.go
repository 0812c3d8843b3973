// Package conformance runs one behavioral contract against any
// pkg/store.Store implementation, so the memory, Redis, and SQL
// backends can be held to identical atomicity semantics (spec §4.2's
// "every backend ... satisfies an identical atomicity contract").
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"quantumlife-idempotency/pkg/store"
)

// Run exercises the full state machine against a freshly constructed
// Store from newStore. newStore is called once per sub-test so backends
// that need per-test isolation (a fresh SQLite :memory: DB, a dedicated
// Redis key prefix) each get a clean instance.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("HappyPathAcquireRecordReplay", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k1", "h1", time.Minute, time.Hour, store.StartMeta{Method: "POST", Endpoint: "/x"})
		require.NoError(t, err)
		require.True(t, lr.Acquired)
		require.False(t, lr.TookOver)

		rec, err := s.Record(ctx, now.Add(time.Millisecond), "k1", "h1", lr.LockToken, []byte("payload"), 201, "text/plain", map[string][]string{"X-A": {"1"}}, time.Hour, false, nil)
		require.NoError(t, err)
		require.Equal(t, store.StatusCompleted, rec.Status)

		cr, err := s.Check(ctx, now.Add(2*time.Millisecond), "k1", "h1")
		require.NoError(t, err)
		require.True(t, cr.Found)
		require.False(t, cr.RequestMismatch)
		require.Equal(t, []byte("payload"), cr.Response)
		require.Equal(t, 201, cr.HTTPStatusCode)

		lr2, err := s.StartProcessing(ctx, now.Add(3*time.Millisecond), "k1", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		require.False(t, lr2.Acquired)
		require.Equal(t, store.StatusCompleted, lr2.ExistingStatus)
		require.Equal(t, []byte("payload"), lr2.ExistingResponse.Response)
	})

	t.Run("RequestMismatchIsIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k2", "h-a", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		_, err = s.Record(ctx, now, "k2", "h-a", lr.LockToken, []byte("secret"), 200, "text/plain", nil, time.Hour, false, nil)
		require.NoError(t, err)

		lr2, err := s.StartProcessing(ctx, now, "k2", "h-b", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		require.False(t, lr2.Acquired)
		require.True(t, lr2.RequestMismatch)
		require.Empty(t, lr2.ExistingResponse.Response)

		cr, err := s.Check(ctx, now, "k2", "h-b")
		require.NoError(t, err)
		require.True(t, cr.RequestMismatch)
		require.Empty(t, cr.Response)
	})

	t.Run("ConcurrentLiveLockIsRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k3", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		require.True(t, lr.Acquired)

		lr2, err := s.StartProcessing(ctx, now.Add(time.Millisecond), "k3", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		require.False(t, lr2.Acquired)
		require.False(t, lr2.RequestMismatch)
		require.Equal(t, store.StatusProcessing, lr2.ExistingStatus)
	})

	t.Run("ExpiredLockIsTakenOver", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k4", "h1", time.Second, time.Hour, store.StartMeta{})
		require.NoError(t, err)

		lr2, err := s.StartProcessing(ctx, now.Add(10*time.Second), "k4", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		require.True(t, lr2.Acquired)
		require.True(t, lr2.TookOver)
		require.NotEqual(t, lr.LockToken, lr2.LockToken)
	})

	t.Run("FailedRecordIsTakenOverOnRetry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k5", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		_, err = s.Record(ctx, now, "k5", "h1", lr.LockToken, nil, 500, "", nil, time.Hour, true, &store.ErrorInfo{Code: "boom"})
		require.NoError(t, err)

		lr2, err := s.StartProcessing(ctx, now.Add(time.Millisecond), "k5", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		require.True(t, lr2.Acquired)
		require.True(t, lr2.TookOver)
	})

	t.Run("ReleaseLockWithoutResponseDeletes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k6", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)

		rr, err := s.ReleaseLock(ctx, now, "k6", lr.LockToken, false, nil)
		require.NoError(t, err)
		require.True(t, rr.Deleted)

		cr, err := s.Check(ctx, now, "k6", "h1")
		require.NoError(t, err)
		require.False(t, cr.Found)
	})

	t.Run("ReleaseLockMarkFailedPreservesRecord", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k7", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)

		rr, err := s.ReleaseLock(ctx, now, "k7", lr.LockToken, true, &store.ErrorInfo{Code: "panic"})
		require.NoError(t, err)
		require.True(t, rr.MarkedFailed)

		cr, err := s.Check(ctx, now, "k7", "h1")
		require.NoError(t, err)
		require.True(t, cr.Found)
		require.Equal(t, store.StatusFailed, cr.Status)
	})

	t.Run("ReleaseLockWrongTokenFails", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k8", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)

		_, err = s.ReleaseLock(ctx, now, "k8", lr.LockToken+"-wrong", false, nil)
		require.Error(t, err)
	})

	t.Run("ExtendLockRequiresLiveMatchingToken", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		lr, err := s.StartProcessing(ctx, now, "k9", "h1", time.Second, time.Hour, store.StartMeta{})
		require.NoError(t, err)

		_, err = s.ExtendLock(ctx, now, "k9", "wrong", time.Minute)
		require.Error(t, err)

		er, err := s.ExtendLock(ctx, now, "k9", lr.LockToken, time.Minute)
		require.NoError(t, err)
		require.True(t, er.LockExpiresAt.After(now))

		_, err = s.ExtendLock(ctx, now.Add(2*time.Minute), "k9", lr.LockToken, time.Minute)
		require.Error(t, err)
	})

	t.Run("CleanupSweepsExpiredRecords", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		const n = 40
		for i := 0; i < n; i++ {
			key := keyFor("sweep", i)
			lr, err := s.StartProcessing(ctx, now, key, "h", time.Minute, time.Millisecond, store.StartMeta{})
			require.NoError(t, err)
			_, err = s.Record(ctx, now, key, "h", lr.LockToken, []byte("x"), 200, "text/plain", nil, time.Millisecond, false, nil)
			require.NoError(t, err)
		}

		res, err := s.Cleanup(ctx, now.Add(time.Hour), store.CleanupOptions{BatchSize: n * 2})
		require.NoError(t, err)
		require.Equal(t, n, res.DeletedCount)
		require.True(t, res.Exhausted)
	})

	t.Run("CleanupHonorsMaxRecordsAndReportsNotExhausted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		const n = 10
		const maxRecords = 5
		for i := 0; i < n; i++ {
			key := keyFor("maxrec", i)
			lr, err := s.StartProcessing(ctx, now, key, "h", time.Minute, time.Millisecond, store.StartMeta{})
			require.NoError(t, err)
			_, err = s.Record(ctx, now, key, "h", lr.LockToken, []byte("x"), 200, "text/plain", nil, time.Millisecond, false, nil)
			require.NoError(t, err)
		}

		res, err := s.Cleanup(ctx, now.Add(time.Hour), store.CleanupOptions{BatchSize: n * 2, MaxRecords: maxRecords})
		require.NoError(t, err)
		require.Equal(t, maxRecords, res.ScannedCount, "MaxRecords should cap how many eligible candidates a single call considers")
		require.Equal(t, maxRecords, res.DeletedCount)
		require.False(t, res.Exhausted, "a MaxRecords-bounded call must not claim the sweep finished when eligible records remain")
	})

	t.Run("CheckOnUnknownKeyIsNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cr, err := s.Check(ctx, time.Now(), "never-seen", "h")
		require.NoError(t, err)
		require.False(t, cr.Found)
	})

	t.Run("HealthCheckSucceeds", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.HealthCheck(context.Background()))
	})

	t.Run("ReplayedHeadersRoundTripExactly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		sent := map[string][]string{
			"Content-Type":      {"application/json"},
			"X-Request-Region":  {"us-east-1"},
			"X-Rate-Limit-Info": {"10", "20"},
		}

		lr, err := s.StartProcessing(ctx, now, "k10", "h1", time.Minute, time.Hour, store.StartMeta{})
		require.NoError(t, err)
		_, err = s.Record(ctx, now, "k10", "h1", lr.LockToken, []byte("ok"), 200, "application/json", sent, time.Hour, false, nil)
		require.NoError(t, err)

		cr, err := s.Check(ctx, now, "k10", "h1")
		require.NoError(t, err)
		require.True(t, cr.Found)

		// cmp.Diff prints a structural diff, so a backend that dropped a
		// key with an empty value or reordered a multi-value header is
		// diagnosable straight from the test output.
		if diff := cmp.Diff(sent, cr.Headers); diff != "" {
			t.Fatalf("replayed headers mismatch (-sent +replayed):\n%s", diff)
		}
	})
}

func keyFor(prefix string, i int) string {
	const hex = "0123456789abcdef"
	b := []byte(prefix + "-0000")
	n := i
	for p := len(b) - 1; n > 0 && p > len(prefix); p-- {
		b[p] = hex[n%16]
		n /= 16
	}
	return string(b)
}
