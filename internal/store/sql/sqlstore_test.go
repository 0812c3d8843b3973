package sqlstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quantumlife-idempotency/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLHappyPathAcquireRecordReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-1", "hash-1", time.Minute, time.Hour, store.StartMeta{Endpoint: "/pay", Method: "POST"})
	require.NoError(t, err)
	require.True(t, lr.Acquired)
	require.False(t, lr.TookOver)

	rec, err := s.Record(ctx, now.Add(time.Second), "key-1", "hash-1", lr.LockToken, []byte(`{"ok":true}`), 200, "application/json", nil, time.Hour, false, nil)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, rec.Status)

	cr, err := s.Check(ctx, now.Add(2*time.Second), "key-1", "hash-1")
	require.NoError(t, err)
	require.True(t, cr.Found)
	require.Equal(t, store.StatusCompleted, cr.Status)
	require.Equal(t, []byte(`{"ok":true}`), cr.Response)

	lr2, err := s.StartProcessing(ctx, now.Add(3*time.Second), "key-1", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.False(t, lr2.Acquired)
	require.Equal(t, store.StatusCompleted, lr2.ExistingStatus)
	require.Equal(t, []byte(`{"ok":true}`), lr2.ExistingResponse.Response)
}

func TestSQLRequestMismatchIsolatesResponse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-2", "hash-a", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	_, err = s.Record(ctx, now, "key-2", "hash-a", lr.LockToken, []byte("body"), 200, "text/plain", nil, time.Hour, false, nil)
	require.NoError(t, err)

	lr2, err := s.StartProcessing(ctx, now, "key-2", "hash-b", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.False(t, lr2.Acquired)
	require.True(t, lr2.RequestMismatch)
	require.Empty(t, lr2.ExistingResponse.Response)
}

func TestSQLConcurrentProcessingIsRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-3", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.True(t, lr.Acquired)

	lr2, err := s.StartProcessing(ctx, now.Add(time.Second), "key-3", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.False(t, lr2.Acquired)
	require.Equal(t, store.StatusProcessing, lr2.ExistingStatus)
}

func TestSQLExpiredLockIsTakenOver(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-4", "hash-1", time.Second, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.True(t, lr.Acquired)

	later := now.Add(10 * time.Second)
	lr2, err := s.StartProcessing(ctx, later, "key-4", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.True(t, lr2.Acquired)
	require.True(t, lr2.TookOver)
	require.NotEqual(t, lr.LockToken, lr2.LockToken)
}

func TestSQLReleaseLockDeletesOrMarksFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-5", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	rr, err := s.ReleaseLock(ctx, now, "key-5", lr.LockToken, false, nil)
	require.NoError(t, err)
	require.True(t, rr.Deleted)

	cr, err := s.Check(ctx, now, "key-5", "hash-1")
	require.NoError(t, err)
	require.False(t, cr.Found)

	lr2, err := s.StartProcessing(ctx, now, "key-6", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	rr2, err := s.ReleaseLock(ctx, now, "key-6", lr2.LockToken, true, &store.ErrorInfo{Code: "panic"})
	require.NoError(t, err)
	require.True(t, rr2.MarkedFailed)

	cr2, err := s.Check(ctx, now, "key-6", "hash-1")
	require.NoError(t, err)
	require.True(t, cr2.Found)
	require.Equal(t, store.StatusFailed, cr2.Status)
}

func TestSQLExtendLockFailsOnWrongTokenOrExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-7", "hash-1", time.Second, time.Hour, store.StartMeta{})
	require.NoError(t, err)

	_, err = s.ExtendLock(ctx, now, "key-7", "wrong-token", time.Minute)
	require.Error(t, err)

	er, err := s.ExtendLock(ctx, now, "key-7", lr.LockToken, time.Minute)
	require.NoError(t, err)
	require.True(t, er.LockExpiresAt.After(now))

	_, err = s.ExtendLock(ctx, now.Add(2*time.Minute), "key-7", lr.LockToken, time.Minute)
	require.Error(t, err)
}

func TestSQLCleanupSweepsExpiredRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 25; i++ {
		key := "sweep-" + strconv.Itoa(i)
		lr, err := s.StartProcessing(ctx, now, key, "hash", time.Minute, time.Millisecond, store.StartMeta{})
		require.NoError(t, err)
		_, err = s.Record(ctx, now, key, "hash", lr.LockToken, []byte("x"), 200, "text/plain", nil, time.Millisecond, false, nil)
		require.NoError(t, err)
	}

	later := now.Add(time.Hour)
	res, err := s.Cleanup(ctx, later, store.CleanupOptions{BatchSize: 100})
	require.NoError(t, err)
	require.Equal(t, 25, res.DeletedCount)
	require.True(t, res.Exhausted)
}
