package rediskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"quantumlife-idempotency/internal/store/bodycodec"
	"quantumlife-idempotency/pkg/events"
	"quantumlife-idempotency/pkg/idkey"
	"quantumlife-idempotency/pkg/idmerr"
	"quantumlife-idempotency/pkg/store"
)

// wireRecord mirrors the cjson blob stored under every record key.
// headers travel as an opaque JSON string (headers_json) rather than a
// nested cjson table, since cjson cannot distinguish an empty Lua table
// from an empty JSON array and would otherwise corrupt an empty header
// set on every round trip through the script.
type wireRecord struct {
	RequestHash     string `json:"request_hash"`
	Status          string `json:"status"`
	Response        string `json:"response,omitempty"`
	HTTPStatusCode  int    `json:"http_status_code,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	HeadersJSON     string `json:"headers_json,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	UpdatedAtMs     int64  `json:"updated_at_ms"`
	CompletedAtMs   int64  `json:"completed_at_ms,omitempty"`
	ExpiresAtMs     int64  `json:"expires_at_ms"`
	LockToken       string `json:"lock_token,omitempty"`
	LockExpiresAtMs int64  `json:"lock_expires_at_ms,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Method          string `json:"method,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
}

// startProcessingReply mirrors every shape start_processing.lua can return.
type startProcessingReply struct {
	Acquired        int    `json:"acquired"`
	TookOver        int    `json:"took_over"`
	LockToken       string `json:"lock_token"`
	LockExpiresAtMs int64  `json:"lock_expires_at_ms"`
	RequestMismatch int    `json:"request_mismatch"`
	ExistingStatus  string `json:"existing_status"`
	Response        string `json:"response"`
	HTTPStatusCode  int    `json:"http_status_code"`
	ContentType     string `json:"content_type"`
	HeadersJSON     string `json:"headers_json"`
}

type recordReply struct {
	OK    int        `json:"ok"`
	Error string     `json:"error"`
	Rec   wireRecord `json:"record"`
}

type releaseLockReply struct {
	Deleted      int    `json:"deleted"`
	MarkedFailed int    `json:"marked_failed"`
	Error        string `json:"error"`
}

type extendLockReply struct {
	OK              int    `json:"ok"`
	LockExpiresAtMs int64  `json:"lock_expires_at_ms"`
	Error           string `json:"error"`
}

func encodeHeaders(h map[string][]string) string {
	if len(h) == 0 {
		return ""
	}
	b, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeHeaders(s string) map[string][]string {
	if s == "" {
		return nil
	}
	var h map[string][]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil
	}
	return h
}

func encodeResponse(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(bodycodec.Encode(b))
}

func decodeResponse(s string) []byte {
	if s == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return bodycodec.Decode(b)
}

func errInfoOrEmpty(e *store.ErrorInfo) (string, string) {
	if e == nil {
		return "", ""
	}
	return e.Code, e.Message
}

// Check is a pure GET, already atomic on its own; no script needed.
func (s *Store) Check(ctx context.Context, now time.Time, key, requestHash string) (store.CheckResult, error) {
	raw, err := s.rdb.Get(ctx, s.recordKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return store.CheckResult{Found: false}, nil
	}
	if err != nil {
		return store.CheckResult{}, idmerr.WrapStorage(err)
	}

	var w wireRecord
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return store.CheckResult{}, idmerr.Classify(fmt.Errorf("%w: %v", idmerr.ErrSerialization, err), false, 0)
	}
	if w.ExpiresAtMs <= now.UnixMilli() {
		return store.CheckResult{Found: false}, nil
	}

	if w.RequestHash != requestHash {
		return store.CheckResult{Found: true, RequestMismatch: true, Status: store.Status(w.Status)}, nil
	}

	return store.CheckResult{
		Found:          true,
		Status:         store.Status(w.Status),
		Response:       decodeResponse(w.Response),
		HTTPStatusCode: w.HTTPStatusCode,
		ContentType:    w.ContentType,
		Headers:        decodeHeaders(w.HeadersJSON),
		CreatedAt:      fromUnixMilli(w.CreatedAtMs),
		UpdatedAt:      fromUnixMilli(w.UpdatedAtMs),
		CompletedAt:    fromUnixMilli(w.CompletedAtMs),
		ExpiresAt:      fromUnixMilli(w.ExpiresAtMs),
	}, nil
}

func (s *Store) StartProcessing(ctx context.Context, now time.Time, key, requestHash string, lockTTL, recordTTL time.Duration, meta store.StartMeta) (store.LockResult, error) {
	token, err := idkey.NewLockToken()
	if err != nil {
		return store.LockResult{}, idmerr.WrapStorage(err)
	}

	out, err := startProcessingScript.Run(ctx, s.rdb, []string{s.recordKey(key)},
		now.UnixMilli(), requestHash, lockTTL.Milliseconds(), recordTTL.Milliseconds(),
		token, meta.Endpoint, meta.Method, meta.ClientID,
	).Result()
	if err != nil {
		return store.LockResult{}, idmerr.WrapStorage(err)
	}

	var reply startProcessingReply
	if err := json.Unmarshal([]byte(out.(string)), &reply); err != nil {
		return store.LockResult{}, idmerr.Classify(fmt.Errorf("%w: %v", idmerr.ErrSerialization, err), false, 0)
	}

	if reply.Acquired == 1 {
		lr := store.LockResult{
			Acquired:      true,
			LockToken:     reply.LockToken,
			LockExpiresAt: fromUnixMilli(reply.LockExpiresAtMs),
			TookOver:      reply.TookOver == 1,
		}
		if lr.TookOver {
			s.emitter.Emit(events.Event{Type: events.EventLockTakenOver, Timestamp: now, Key: key, RequestHash: requestHash, LockToken: lr.LockToken})
		} else {
			s.emitter.Emit(events.Event{Type: events.EventLockAcquired, Timestamp: now, Key: key, RequestHash: requestHash, LockToken: lr.LockToken})
		}
		return lr, nil
	}

	if reply.RequestMismatch == 1 {
		s.emitter.Emit(events.Event{Type: events.EventMismatch, Timestamp: now, Key: key, RequestHash: requestHash})
		return store.LockResult{RequestMismatch: true, ExistingStatus: store.Status(reply.ExistingStatus)}, nil
	}

	if reply.ExistingStatus == string(store.StatusProcessing) {
		s.emitter.Emit(events.Event{Type: events.EventConcurrent, Timestamp: now, Key: key, RequestHash: requestHash})
	}

	lr := store.LockResult{ExistingStatus: store.Status(reply.ExistingStatus)}
	if reply.ExistingStatus == string(store.StatusCompleted) {
		lr.ExistingResponse.Response = decodeResponse(reply.Response)
		lr.ExistingResponse.HTTPStatusCode = reply.HTTPStatusCode
		lr.ExistingResponse.ContentType = reply.ContentType
		lr.ExistingResponse.Headers = decodeHeaders(reply.HeadersJSON)
	}
	return lr, nil
}

func (s *Store) Record(ctx context.Context, now time.Time, key, requestHash, lockToken string, response []byte, httpStatusCode int, contentType string, headers map[string][]string, ttl time.Duration, markFailed bool, errInfo *store.ErrorInfo) (*store.Record, error) {
	code, msg := errInfoOrEmpty(errInfo)
	markFailedArg := "0"
	if markFailed {
		markFailedArg = "1"
	}

	out, err := recordScript.Run(ctx, s.rdb, []string{s.recordKey(key)},
		now.UnixMilli(), lockToken, encodeResponse(response), httpStatusCode, contentType,
		encodeHeaders(headers), ttl.Milliseconds(), markFailedArg, code, msg,
	).Result()
	if err != nil {
		return nil, idmerr.WrapStorage(err)
	}

	var reply recordReply
	if err := json.Unmarshal([]byte(out.(string)), &reply); err != nil {
		return nil, idmerr.Classify(fmt.Errorf("%w: %v", idmerr.ErrSerialization, err), false, 0)
	}

	switch reply.Error {
	case "not_found":
		return nil, idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
	case "lock_mismatch":
		return nil, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
	}

	w := reply.Rec
	rec := &store.Record{
		Key:            key,
		RequestHash:    w.RequestHash,
		Status:         store.Status(w.Status),
		Response:       decodeResponse(w.Response),
		HTTPStatusCode: w.HTTPStatusCode,
		ContentType:    w.ContentType,
		Headers:        decodeHeaders(w.HeadersJSON),
		ErrorCode:      w.ErrorCode,
		ErrorMessage:   w.ErrorMessage,
		CreatedAt:      fromUnixMilli(w.CreatedAtMs),
		UpdatedAt:      fromUnixMilli(w.UpdatedAtMs),
		CompletedAt:    fromUnixMilli(w.CompletedAtMs),
		ExpiresAt:      fromUnixMilli(w.ExpiresAtMs),
	}

	s.emitter.Emit(events.Event{Type: events.EventRecorded, Timestamp: now, Key: key, RequestHash: requestHash, Metadata: map[string]string{"status": string(rec.Status)}})
	return rec, nil
}

func (s *Store) ReleaseLock(ctx context.Context, now time.Time, key, lockToken string, markFailed bool, errInfo *store.ErrorInfo) (store.ReleaseResult, error) {
	code, msg := errInfoOrEmpty(errInfo)
	markFailedArg := "0"
	if markFailed {
		markFailedArg = "1"
	}

	out, err := releaseLockScript.Run(ctx, s.rdb, []string{s.recordKey(key)},
		lockToken, now.UnixMilli(), markFailedArg, code, msg,
	).Result()
	if err != nil {
		return store.ReleaseResult{}, idmerr.WrapStorage(err)
	}

	var reply releaseLockReply
	if err := json.Unmarshal([]byte(out.(string)), &reply); err != nil {
		return store.ReleaseResult{}, idmerr.Classify(fmt.Errorf("%w: %v", idmerr.ErrSerialization, err), false, 0)
	}

	switch reply.Error {
	case "not_found":
		return store.ReleaseResult{}, idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
	case "lock_mismatch":
		return store.ReleaseResult{}, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
	}

	s.emitter.Emit(events.Event{Type: events.EventLockReleased, Timestamp: now, Key: key, LockToken: lockToken})
	return store.ReleaseResult{Deleted: reply.Deleted == 1, MarkedFailed: reply.MarkedFailed == 1}, nil
}

func (s *Store) ExtendLock(ctx context.Context, now time.Time, key, lockToken string, extension time.Duration) (store.ExtendResult, error) {
	out, err := extendLockScript.Run(ctx, s.rdb, []string{s.recordKey(key)},
		lockToken, now.UnixMilli(), extension.Milliseconds(),
	).Result()
	if err != nil {
		return store.ExtendResult{}, idmerr.WrapStorage(err)
	}

	var reply extendLockReply
	if err := json.Unmarshal([]byte(out.(string)), &reply); err != nil {
		return store.ExtendResult{}, idmerr.Classify(fmt.Errorf("%w: %v", idmerr.ErrSerialization, err), false, 0)
	}

	switch reply.Error {
	case "not_found":
		return store.ExtendResult{}, idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
	case "lock_mismatch":
		return store.ExtendResult{}, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
	case "lock_expired":
		return store.ExtendResult{}, idmerr.Classify(idmerr.ErrLockExpired, false, 0)
	}

	s.emitter.Emit(events.Event{Type: events.EventLockExtended, Timestamp: now, Key: key, LockToken: lockToken})
	return store.ExtendResult{LockExpiresAt: fromUnixMilli(reply.LockExpiresAtMs)}, nil
}

// Cleanup uses client-side SCAN iteration rather than a single Lua
// script: Redis's own keyspace-wide SCAN is designed to be driven by the
// client precisely so a sweep never blocks the server for the duration
// of a large scan (the antipattern a one-shot KEYS or an all-in-Lua scan
// would create). Expiry is normally handled passively by PEXPIRE; this
// path exists for explicit accounting (DryRun, ForceBefore, ClientID
// filtering) the same way internal/store/sql's sweep does.
func (s *Store) Cleanup(ctx context.Context, now time.Time, opts store.CleanupOptions) (store.CleanupResult, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	match := s.keyPrefix + ":rec:*"
	if opts.KeyPrefix != "" {
		match = s.keyPrefix + ":rec:" + opts.KeyPrefix + "*"
	}

	var (
		cursor   uint64
		deleted  []string
		scanned  int
		next     time.Time
		exhausted bool
	)

scan:
	for {
		var keys []string
		var err error
		keys, cursor, err = s.rdb.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return store.CleanupResult{}, idmerr.WrapStorage(err)
		}

		for _, rk := range keys {
			if opts.MaxRecords > 0 && scanned >= opts.MaxRecords {
				exhausted = false
				break scan
			}
			raw, err := s.rdb.Get(ctx, rk).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return store.CleanupResult{}, idmerr.WrapStorage(err)
			}
			var w wireRecord
			if err := json.Unmarshal([]byte(raw), &w); err != nil {
				continue
			}
			if opts.ClientID != "" && w.ClientID != opts.ClientID {
				continue
			}
			scanned++

			exp := fromUnixMilli(w.ExpiresAtMs)
			eligible := idkey.IsExpired(now, exp)
			if !eligible && !opts.ForceBefore.IsZero() && fromUnixMilli(w.CreatedAtMs).Before(opts.ForceBefore) {
				eligible = true
			}

			if eligible {
				if len(deleted) < batchSize {
					deleted = append(deleted, rk)
				}
				continue
			}
			if next.IsZero() || exp.Before(next) {
				next = exp
			}
		}

		if cursor == 0 {
			exhausted = true
			break
		}
	}

	if !opts.DryRun && len(deleted) > 0 {
		if err := s.rdb.Del(ctx, deleted...).Err(); err != nil {
			return store.CleanupResult{}, idmerr.WrapStorage(err)
		}
	}

	s.emitter.Emit(events.Event{Type: events.EventCleanupSwept, Timestamp: now, Metadata: map[string]string{"deleted": strconv.Itoa(len(deleted))}})

	return store.CleanupResult{
		DeletedCount:           len(deleted),
		ScannedCount:           scanned,
		Exhausted:              exhausted,
		NextExpirationEstimate: next,
	}, nil
}

var _ store.Store = (*Store)(nil)
