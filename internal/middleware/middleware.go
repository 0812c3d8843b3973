// Package middleware wraps an http.Handler chain with the idempotency
// protocol of spec §4.5: key extraction, request fingerprinting, lock
// acquisition, response replay, and concurrent-request handling.
package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"quantumlife-idempotency/internal/manager"
	"quantumlife-idempotency/pkg/idkey"
	"quantumlife-idempotency/pkg/idmerr"
	"quantumlife-idempotency/pkg/store"
)

// contextKey is unexported so other packages cannot collide with it.
type contextKey string

const requestInfoKey contextKey = "quantumlife-idempotency/request-info"

// RequestInfo is attached to the request context once a lock is acquired
// (spec §4.5 step 8). It carries the key and request hash only: the lock
// token is not exposed, so a handler cannot extend or release its own
// lease.
type RequestInfo struct {
	Key         string
	RequestHash string
}

// FromContext returns the RequestInfo attached by the middleware, if any.
func FromContext(ctx context.Context) (RequestInfo, bool) {
	ri, ok := ctx.Value(requestInfoKey).(RequestInfo)
	return ri, ok
}

// Middleware wraps handlers with the idempotency protocol.
type Middleware struct {
	mgr *manager.Manager
	cfg Config
}

// New builds a Middleware over mgr. Config zero values take the spec §6
// defaults.
func New(mgr *manager.Manager, cfg Config) *Middleware {
	return &Middleware{mgr: mgr, cfg: cfg.withDefaults()}
}

// Wrap installs the idempotency protocol in front of next.
func (mw *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mw.cfg.methodGated(r.Method) || mw.cfg.pathExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		rawKey := r.Header.Get(mw.cfg.KeyHeader)
		if rawKey == "" {
			if mw.cfg.RequireKey {
				writeError(w, http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "request is missing the "+mw.cfg.KeyHeader+" header")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		key := idkey.WithPrefix(mw.cfg.KeyPrefix, rawKey)
		if err := idkey.Validate(key, mw.cfg.MaxKeyLength); err != nil {
			switch {
			case errors.Is(err, idmerr.ErrKeyTooLong):
				writeError(w, http.StatusBadRequest, "KEY_TOO_LONG", err.Error())
			default:
				writeError(w, http.StatusBadRequest, "INVALID_KEY_FORMAT", err.Error())
			}
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		requestHash, err := idkey.FingerprintRequest(r.Method, r.URL.Path, r.Header, mw.cfg.FingerprintHeaders, body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERIALIZATION_ERROR", err.Error())
			return
		}

		meta := store.StartMeta{
			Endpoint: r.URL.Path,
			Method:   r.Method,
			ClientID: mw.cfg.ClientID(r),
		}

		op := mw.buildOp(next, r, key, requestHash, body)

		// A single Execute attempt, not ExecuteWithRetry: ExecuteWithRetry's
		// own concurrent-request retry loop sleeps LockTimeout between
		// attempts (meant for non-HTTP callers willing to block), which
		// would turn ModeReject into a multi-minute hang instead of an
		// immediate 409. The HTTP layer owns its own concurrency policy
		// below; a transient STORAGE_ERROR here surfaces immediately
		// rather than blocking the request further.
		res, err := mw.mgr.Execute(r.Context(), key, requestHash, meta, op)
		if err == nil {
			mw.writeResult(w, res)
			return
		}

		if errors.Is(err, idmerr.ErrConcurrentRequest) {
			mw.handleConcurrent(w, r, key, requestHash, meta, op, err)
			return
		}

		mw.writeClassifiedError(w, err)
	})
}

// buildOp adapts next into a manager.Op bound to one buffered request body
// (so retries/takeovers can re-run the handler with the same bytes). A
// recovered panic or a canceled request context become an Op error, which
// Execute already turns into release_lock(mark_failed=true) — this is how
// connection aborts are handled without any extra plumbing (spec §4.5,
// §5 "Cancellation and timeouts").
func (mw *Middleware) buildOp(next http.Handler, r *http.Request, key, requestHash string, body []byte) manager.Op {
	return func(ctx context.Context) (env manager.Envelope, opErr error) {
		defer func() {
			if p := recover(); p != nil {
				opErr = fmt.Errorf("handler panicked: %v", p)
			}
		}()

		ri := RequestInfo{Key: key, RequestHash: requestHash}
		req := r.WithContext(context.WithValue(ctx, requestInfoKey, ri))
		req.Body = io.NopCloser(bytes.NewReader(body))

		rec := newBufferingWriter(discardWriter{header: make(http.Header)})
		next.ServeHTTP(rec, req)

		if req.Context().Err() != nil && rec.body.Len() == 0 {
			return manager.Envelope{}, fmt.Errorf("request context canceled before handler responded: %w", req.Context().Err())
		}

		return manager.Envelope{
			Body:           rec.body.Bytes(),
			HTTPStatusCode: rec.status,
			ContentType:    rec.Header().Get("Content-Type"),
			Headers:        cloneHeader(rec.Header()),
		}, nil
	}
}

func (mw *Middleware) writeResult(w http.ResponseWriter, res manager.Result) {
	for k, vs := range res.Envelope.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if res.Replayed {
		w.Header().Set(mw.cfg.ReplayHeader, "true")
	}
	status := res.Envelope.HTTPStatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Envelope.Body)
}

// handleConcurrent implements spec §4.5 step 7: reject responds 409 right
// away; wait polls by re-attempting Execute at RetryInterval cadence,
// relying on Execute's own COMPLETED/FAILED/PROCESSING branching to notice
// when the peer resolves.
func (mw *Middleware) handleConcurrent(w http.ResponseWriter, r *http.Request, key, requestHash string, meta store.StartMeta, op manager.Op, lastErr error) {
	if mw.cfg.ConcurrentMode != ModeWait {
		w.Header().Set("Retry-After", retryAfterSeconds(lastErr))
		writeError(w, http.StatusConflict, "CONCURRENT_REQUEST", "key is currently being processed by another request")
		return
	}

	deadline := mw.cfg.Clock.Now().Add(mw.cfg.MaxWaitTime)
	ticker := time.NewTicker(mw.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		if mw.cfg.Clock.Now().After(deadline) {
			writeError(w, http.StatusRequestTimeout, "TIMEOUT", "timed out waiting for concurrent request to resolve")
			return
		}

		res, err := mw.mgr.Execute(r.Context(), key, requestHash, meta, op)
		if err == nil {
			mw.writeResult(w, res)
			return
		}
		if errors.Is(err, idmerr.ErrConcurrentRequest) {
			continue
		}
		mw.writeClassifiedError(w, err)
		return
	}
}

func (mw *Middleware) writeClassifiedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, idmerr.ErrRequestMismatch):
		writeError(w, http.StatusUnprocessableEntity, "REQUEST_MISMATCH", err.Error())
	case errors.Is(err, idmerr.ErrInvalidKeyFormat):
		writeError(w, http.StatusBadRequest, "INVALID_KEY_FORMAT", err.Error())
	case errors.Is(err, idmerr.ErrKeyTooLong):
		writeError(w, http.StatusBadRequest, "KEY_TOO_LONG", err.Error())
	case errors.Is(err, idmerr.ErrResponseTooLarge):
		writeError(w, http.StatusInsufficientStorage, "RESPONSE_TOO_LARGE", err.Error())
	case errors.Is(err, idmerr.ErrConcurrentRequest):
		w.Header().Set("Retry-After", retryAfterSeconds(err))
		writeError(w, http.StatusConflict, "CONCURRENT_REQUEST", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
	}
}

func retryAfterSeconds(err error) string {
	d := idmerr.RetryAfter(err)
	if d <= 0 {
		d = time.Second
	}
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// discardWriter is the base http.ResponseWriter bufferingWriter wraps on
// every handler run. Nothing written to it reaches the client; the real
// response is written only by writeResult, from the recorded envelope.
type discardWriter struct {
	header http.Header
}

func (d discardWriter) Header() http.Header         { return d.header }
func (d discardWriter) Write(b []byte) (int, error) { return len(b), nil }
func (d discardWriter) WriteHeader(int)             {}
