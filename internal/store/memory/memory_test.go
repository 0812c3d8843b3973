package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quantumlife-idempotency/pkg/store"
)

func TestHappyPathAcquireRecordReplay(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-1", "hash-1", time.Minute, time.Hour, store.StartMeta{Endpoint: "/pay", Method: "POST"})
	require.NoError(t, err)
	require.True(t, lr.Acquired)
	require.NotEmpty(t, lr.LockToken)

	rec, err := s.Record(ctx, now.Add(time.Second), "key-1", "hash-1", lr.LockToken, []byte(`{"ok":true}`), 200, "application/json", nil, time.Hour, false, nil)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, rec.Status)

	cr, err := s.Check(ctx, now.Add(2*time.Second), "key-1", "hash-1")
	require.NoError(t, err)
	require.True(t, cr.Found)
	require.False(t, cr.RequestMismatch)
	require.Equal(t, store.StatusCompleted, cr.Status)
	require.Equal(t, []byte(`{"ok":true}`), cr.Response)

	lr2, err := s.StartProcessing(ctx, now.Add(3*time.Second), "key-1", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.False(t, lr2.Acquired)
	require.Equal(t, store.StatusCompleted, lr2.ExistingStatus)
	require.Equal(t, []byte(`{"ok":true}`), lr2.ExistingResponse.Response)
}

func TestRequestMismatchIsolatesResponse(t *testing.T) {
	s := New(Config{})
	defer s.Close()
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

	cr, err := s.Check(ctx, now, "key-2", "hash-b")
	require.NoError(t, err)
	require.True(t, cr.Found)
	require.True(t, cr.RequestMismatch)
	require.Empty(t, cr.Response)
}

func TestConcurrentProcessingIsRejected(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-3", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.True(t, lr.Acquired)

	lr2, err := s.StartProcessing(ctx, now.Add(time.Second), "key-3", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.False(t, lr2.Acquired)
	require.False(t, lr2.RequestMismatch)
	require.Equal(t, store.StatusProcessing, lr2.ExistingStatus)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	s := New(Config{})
	defer s.Close()
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

func TestFailedRecordIsTakenOverOnRetry(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-5", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	_, err = s.Record(ctx, now, "key-5", "hash-1", lr.LockToken, nil, 500, "", nil, time.Hour, true, &store.ErrorInfo{Code: "upstream_timeout"})
	require.NoError(t, err)

	lr2, err := s.StartProcessing(ctx, now.Add(time.Second), "key-5", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	require.True(t, lr2.Acquired)
	require.True(t, lr2.TookOver)
}

func TestReleaseLockWithoutResponseDeletesRecord(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-6", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)

	rr, err := s.ReleaseLock(ctx, now, "key-6", lr.LockToken, false, nil)
	require.NoError(t, err)
	require.True(t, rr.Deleted)

	cr, err := s.Check(ctx, now, "key-6", "hash-1")
	require.NoError(t, err)
	require.False(t, cr.Found)
}

func TestReleaseLockMarkFailedPreservesRecord(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-7", "hash-1", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)

	rr, err := s.ReleaseLock(ctx, now, "key-7", lr.LockToken, true, &store.ErrorInfo{Code: "panic"})
	require.NoError(t, err)
	require.True(t, rr.MarkedFailed)

	cr, err := s.Check(ctx, now, "key-7", "hash-1")
	require.NoError(t, err)
	require.True(t, cr.Found)
	require.Equal(t, store.StatusFailed, cr.Status)
}

func TestExtendLockFailsOnWrongTokenOrExpired(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	lr, err := s.StartProcessing(ctx, now, "key-8", "hash-1", time.Second, time.Hour, store.StartMeta{})
	require.NoError(t, err)

	_, err = s.ExtendLock(ctx, now, "key-8", "wrong-token", time.Minute)
	require.Error(t, err)

	er, err := s.ExtendLock(ctx, now, "key-8", lr.LockToken, time.Minute)
	require.NoError(t, err)
	require.True(t, er.LockExpiresAt.After(now))

	_, err = s.ExtendLock(ctx, now.Add(2*time.Minute), "key-8", lr.LockToken, time.Minute)
	require.Error(t, err)
}

func TestCleanupSweepsExpiredRecords(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 1000; i++ {
		lr, err := s.StartProcessing(ctx, now, keyFor(i), "hash", time.Minute, time.Millisecond, store.StartMeta{})
		require.NoError(t, err)
		_, err = s.Record(ctx, now, keyFor(i), "hash", lr.LockToken, []byte("x"), 200, "text/plain", nil, time.Millisecond, false, nil)
		require.NoError(t, err)
	}

	later := now.Add(time.Hour)
	res, err := s.Cleanup(ctx, later, store.CleanupOptions{BatchSize: 2000})
	require.NoError(t, err)
	require.Equal(t, 1000, res.DeletedCount)
	require.True(t, res.Exhausted)
}

func TestCleanupRespectsBatchSize(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 50; i++ {
		lr, err := s.StartProcessing(ctx, now, keyFor(i), "hash", time.Minute, time.Millisecond, store.StartMeta{})
		require.NoError(t, err)
		_, err = s.Record(ctx, now, keyFor(i), "hash", lr.LockToken, []byte("x"), 200, "text/plain", nil, time.Millisecond, false, nil)
		require.NoError(t, err)
	}

	later := now.Add(time.Hour)
	res, err := s.Cleanup(ctx, later, store.CleanupOptions{BatchSize: 10})
	require.NoError(t, err)
	require.Equal(t, 10, res.DeletedCount)
	require.False(t, res.Exhausted)
}

func TestMaxRecordsEvictsOldestOnInsert(t *testing.T) {
	s := New(Config{MaxRecords: 2})
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	_, err := s.StartProcessing(ctx, now, "a", "h", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	_, err = s.StartProcessing(ctx, now, "b", "h", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)
	_, err = s.StartProcessing(ctx, now, "c", "h", time.Minute, time.Hour, store.StartMeta{})
	require.NoError(t, err)

	cr, err := s.Check(ctx, now, "a", "h")
	require.NoError(t, err)
	require.False(t, cr.Found, "oldest record should have been evicted")

	cr, err = s.Check(ctx, now, "c", "h")
	require.NoError(t, err)
	require.True(t, cr.Found)
}

func keyFor(i int) string {
	const hex = "0123456789abcdef"
	b := []byte("key-0000")
	n := i
	for p := len(b) - 1; n > 0 && p >= 4; p-- {
		b[p] = hex[n%16]
		n /= 16
	}
	return string(b)
}
