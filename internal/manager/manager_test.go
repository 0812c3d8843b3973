package manager_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quantumlife-idempotency/internal/manager"
	"quantumlife-idempotency/internal/store/memory"
	"quantumlife-idempotency/pkg/idmerr"
	"quantumlife-idempotency/pkg/store"
)

func TestExecuteHappyPathReplays(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()
	m := manager.New(s, manager.DefaultConfig())

	var calls int32
	op := func(ctx context.Context) (manager.Envelope, error) {
		atomic.AddInt32(&calls, 1)
		return manager.Envelope{Body: []byte(`{"id":"p1"}`), HTTPStatusCode: 201, ContentType: "application/json"}, nil
	}

	res1, err := m.Execute(context.Background(), "k1", "h1", store.StartMeta{}, op)
	require.NoError(t, err)
	require.False(t, res1.Replayed)
	require.Equal(t, 201, res1.Envelope.HTTPStatusCode)

	res2, err := m.Execute(context.Background(), "k1", "h1", store.StartMeta{}, op)
	require.NoError(t, err)
	require.True(t, res2.Replayed)
	require.Equal(t, []byte(`{"id":"p1"}`), res2.Envelope.Body)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "handler must not re-run on replay")
}

func TestExecuteRequestMismatchNonRetriable(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()
	m := manager.New(s, manager.DefaultConfig())

	op := func(ctx context.Context) (manager.Envelope, error) {
		return manager.Envelope{Body: []byte("ok"), HTTPStatusCode: 200}, nil
	}
	_, err := m.Execute(context.Background(), "k2", "h-a", store.StartMeta{}, op)
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), "k2", "h-b", store.StartMeta{}, op)
	require.Error(t, err)
	require.ErrorIs(t, err, idmerr.ErrRequestMismatch)
	require.False(t, idmerr.IsRetriable(err))
}

func TestExecuteHandlerErrorReleasesLockAsFailed(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()
	m := manager.New(s, manager.DefaultConfig())

	boom := context.DeadlineExceeded
	op := func(ctx context.Context) (manager.Envelope, error) {
		return manager.Envelope{}, boom
	}
	_, err := m.Execute(context.Background(), "k3", "h1", store.StartMeta{}, op)
	require.ErrorIs(t, err, boom)

	cr, err := s.Check(context.Background(), time.Now(), "k3", "h1")
	require.NoError(t, err)
	require.True(t, cr.Found)
	require.Equal(t, store.StatusFailed, cr.Status)
}

func TestExecute5xxIsRecordedAsFailed(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()
	m := manager.New(s, manager.DefaultConfig())

	op := func(ctx context.Context) (manager.Envelope, error) {
		return manager.Envelope{Body: []byte("oops"), HTTPStatusCode: 503}, nil
	}
	res, err := m.Execute(context.Background(), "k4", "h1", store.StartMeta{}, op)
	require.NoError(t, err)
	require.Equal(t, 503, res.Envelope.HTTPStatusCode)

	cr, err := s.Check(context.Background(), time.Now(), "k4", "h1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, cr.Status)
}

func TestExecute4xxIsRecordedAsCompleted(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()
	m := manager.New(s, manager.DefaultConfig())

	op := func(ctx context.Context) (manager.Envelope, error) {
		return manager.Envelope{Body: []byte("bad request"), HTTPStatusCode: 400}, nil
	}
	_, err := m.Execute(context.Background(), "k5", "h1", store.StartMeta{}, op)
	require.NoError(t, err)

	cr, err := s.Check(context.Background(), time.Now(), "k5", "h1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, cr.Status, "4xx responses replay, so they are stored as COMPLETED")
}

func TestExecuteWithRetryCollapsesConcurrentCallers(t *testing.T) {
	s := memory.New(memory.Config{})
	defer s.Close()
	m := manager.New(s, manager.DefaultConfig())

	var calls int32
	op := func(ctx context.Context) (manager.Envelope, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return manager.Envelope{Body: []byte("ok"), HTTPStatusCode: 200}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ExecuteWithRetry(context.Background(), "k6", "h1", store.StartMeta{}, op)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2), "singleflight should collapse identical concurrent callers")
}
