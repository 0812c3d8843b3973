package manager

import (
	"context"
	"time"

	"quantumlife-idempotency/pkg/events"
	"quantumlife-idempotency/pkg/idmerr"
	"quantumlife-idempotency/pkg/store"
)

// Envelope is the response envelope the Manager persists and replays
// (spec §4.5 "Serialization contract": body, status_code, content_type,
// headers).
type Envelope struct {
	Body           []byte
	HTTPStatusCode int
	ContentType    string
	Headers        map[string][]string
}

// Op runs the caller's handler once a lock has been acquired. A
// returned error means the handler could not produce any envelope at
// all (a panic recovered upstream, a connection abort) — Execute
// releases the lock as FAILED and re-raises. A successful return
// (possibly carrying a 4xx or 5xx status in the envelope) is always
// recorded; spec §9's first Open Question is handled here by deriving
// mark_failed from HTTPStatusCode >= 500, not from err.
type Op func(ctx context.Context) (Envelope, error)

// Result is the outcome of Execute.
type Result struct {
	Envelope Envelope
	Replayed bool
	TookOver bool
}

// Execute runs the check -> acquire -> op -> record/release sequence of
// spec §4.4 exactly once (no retry). ExecuteWithRetry layers the
// backoff and wait-mode retry loop on top of this.
func (m *Manager) Execute(ctx context.Context, key, requestHash string, meta store.StartMeta, op Op) (Result, error) {
	now := m.cfg.Clock.Now()

	lr, err := m.store.StartProcessing(ctx, now, key, requestHash, m.cfg.LockTimeout, m.cfg.DefaultTTL, meta)
	if err != nil {
		return Result{}, err
	}

	if !lr.Acquired {
		if lr.RequestMismatch {
			return Result{}, idmerr.Classify(idmerr.ErrRequestMismatch, false, 0)
		}
		switch lr.ExistingStatus {
		case store.StatusCompleted:
			m.cfg.Emitter.Emit(events.Event{Type: events.EventReplayed, Timestamp: now, Key: key, RequestHash: requestHash})
			return Result{Replayed: true, Envelope: Envelope{
				Body:           lr.ExistingResponse.Response,
				HTTPStatusCode: lr.ExistingResponse.HTTPStatusCode,
				ContentType:    lr.ExistingResponse.ContentType,
				Headers:        lr.ExistingResponse.Headers,
			}}, nil
		case store.StatusFailed:
			if m.cfg.WaitOnFailedPeer == ReplayFailure {
				return Result{Replayed: true, Envelope: Envelope{
					Body:           lr.ExistingResponse.Response,
					HTTPStatusCode: lr.ExistingResponse.HTTPStatusCode,
					ContentType:    lr.ExistingResponse.ContentType,
					Headers:        lr.ExistingResponse.Headers,
				}}, nil
			}
			return Result{}, idmerr.Classify(idmerr.ErrConcurrentRequest, true, m.cfg.LockTimeout)
		default: // StatusProcessing
			return Result{}, idmerr.Classify(idmerr.ErrConcurrentRequest, true, m.cfg.LockTimeout)
		}
	}

	env, opErr := op(ctx)
	if opErr != nil {
		if _, relErr := m.store.ReleaseLock(ctx, m.cfg.Clock.Now(), key, lr.LockToken, true, &store.ErrorInfo{Code: "HANDLER_ERROR", Message: opErr.Error()}); relErr != nil {
			return Result{}, relErr
		}
		return Result{}, opErr
	}

	if len(env.Body) > m.cfg.MaxResponseSize {
		if _, relErr := m.store.ReleaseLock(ctx, m.cfg.Clock.Now(), key, lr.LockToken, true, &store.ErrorInfo{Code: "RESPONSE_TOO_LARGE"}); relErr != nil {
			return Result{}, relErr
		}
		return Result{}, idmerr.Classify(idmerr.ErrResponseTooLarge, false, 0)
	}

	markFailed := env.HTTPStatusCode >= 500
	var errInfo *store.ErrorInfo
	if markFailed {
		errInfo = &store.ErrorInfo{Code: "UPSTREAM_ERROR"}
	}

	if _, err := m.store.Record(ctx, m.cfg.Clock.Now(), key, requestHash, lr.LockToken, env.Body, env.HTTPStatusCode, env.ContentType, env.Headers, m.cfg.DefaultTTL, markFailed, errInfo); err != nil {
		return Result{}, err
	}

	return Result{Envelope: env, TookOver: lr.TookOver}, nil
}

// ExecuteWithRetry layers the spec §4.4 retry policy on top of Execute:
// transient STORAGE_ERROR is retried with exponential backoff; a
// CONCURRENT_REQUEST result re-enters the loop (polling the peer via a
// fresh start_processing call) until it resolves or MaxRetries elapses.
// Identical concurrent callers in this same process are additionally
// collapsed by singleflight before any of them reach the Store.
func (m *Manager) ExecuteWithRetry(ctx context.Context, key, requestHash string, meta store.StartMeta, op Op) (Result, error) {
	type sfResult struct {
		res Result
		err error
	}

	v, err, _ := m.sf.Do(key+"\x00"+requestHash, func() (any, error) {
		res, err := m.executeWithRetryLoop(ctx, key, requestHash, meta, op)
		return sfResult{res: res, err: err}, nil
	})
	if err != nil {
		return Result{}, err
	}
	sr := v.(sfResult)
	return sr.res, sr.err
}

func (m *Manager) executeWithRetryLoop(ctx context.Context, key, requestHash string, meta store.StartMeta, op Op) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		res, err := m.Execute(ctx, key, requestHash, meta, op)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !idmerr.IsRetriable(err) {
			return Result{}, err
		}

		if attempt == m.cfg.MaxRetries {
			break
		}

		delay := idmerr.RetryAfter(err)
		if delay <= 0 {
			delay = computeBackoff(attempt, m.cfg.BaseBackoff, m.cfg.MaxBackoff)
		}

		m.cfg.Emitter.Emit(events.Event{Type: events.EventConcurrent, Timestamp: m.cfg.Clock.Now(), Key: key, RequestHash: requestHash})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Result{}, lastErr
}
