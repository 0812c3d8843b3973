package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quantumlife-idempotency/internal/store/bodycodec"
	"quantumlife-idempotency/pkg/events"
	"quantumlife-idempotency/pkg/idkey"
	"quantumlife-idempotency/pkg/idmerr"
	"quantumlife-idempotency/pkg/store"
)

func nullTimeMs(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNullMs(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n.Int64).UTC()
}

func encodeHeaders(h map[string][]string) sql.NullString {
	if len(h) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func decodeHeaders(n sql.NullString) map[string][]string {
	if !n.Valid || n.String == "" {
		return nil
	}
	var h map[string][]string
	if err := json.Unmarshal([]byte(n.String), &h); err != nil {
		return nil
	}
	return h
}

// Check is a pure read (spec §4.2).
func (s *Store) Check(ctx context.Context, now time.Time, key, requestHash string) (store.CheckResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_hash, status, response, http_status_code, content_type, headers_json,
		       created_at_ms, updated_at_ms, completed_at_ms, expires_at_ms
		FROM idempotency_records WHERE key = ?`, key)

	var (
		storedHash, status                     string
		response                                []byte
		httpStatus                              sql.NullInt64
		contentType, headersJSON                sql.NullString
		createdMs, updatedMs, completedMs, expiresMs sql.NullInt64
	)
	err := row.Scan(&storedHash, &status, &response, &httpStatus, &contentType, &headersJSON,
		&createdMs, &updatedMs, &completedMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CheckResult{Found: false}, nil
	}
	if err != nil {
		return store.CheckResult{}, idmerr.WrapStorage(err)
	}

	expiresAt := timeFromNullMs(expiresMs)
	if idkey.IsExpired(now, expiresAt) {
		return store.CheckResult{Found: false}, nil
	}

	if storedHash != requestHash {
		return store.CheckResult{Found: true, RequestMismatch: true, Status: store.Status(status)}, nil
	}

	return store.CheckResult{
		Found:          true,
		Status:         store.Status(status),
		Response:       bodycodec.Decode(response),
		HTTPStatusCode: int(httpStatus.Int64),
		ContentType:    contentType.String,
		Headers:        decodeHeaders(headersJSON),
		CreatedAt:      timeFromNullMs(createdMs),
		UpdatedAt:      timeFromNullMs(updatedMs),
		CompletedAt:    timeFromNullMs(completedMs),
		ExpiresAt:      expiresAt,
	}, nil
}

// StartProcessing is a single INSERT ... ON CONFLICT DO UPDATE ...
// WHERE ... RETURNING statement: the WHERE clause only lets the update
// through when the existing row is logically absent (expired), a FAILED
// record with a matching hash, or a PROCESSING record whose lease has
// expired, with a matching hash — exactly the takeover conditions of
// spec §4.2. Everything else (mismatch, COMPLETED, live PROCESSING)
// leaves the row untouched and RETURNING yields no row, which this
// falls back to a plain SELECT to classify. An expired row is replaced
// as a fresh record (created_at_ms reset to now), so only the FAILED and
// expired-lease cases keep the old created_at_ms and report TookOver.
func (s *Store) StartProcessing(ctx context.Context, now time.Time, key, requestHash string, lockTTL, recordTTL time.Duration, meta store.StartMeta) (store.LockResult, error) {
	token, err := idkey.NewLockToken()
	if err != nil {
		return store.LockResult{}, idmerr.WrapStorage(err)
	}

	nowMs := now.UnixMilli()
	expiresAtMs := idkey.ExpiresAt(now, recordTTL).UnixMilli()
	lockExpiresAtMs := idkey.ExpiresAt(now, lockTTL).UnixMilli()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_records
			(key, request_hash, status, created_at_ms, updated_at_ms, expires_at_ms,
			 lock_token, lock_expires_at_ms, endpoint, method, client_id)
		VALUES (?, ?, 'PROCESSING', ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			request_hash = excluded.request_hash,
			status = 'PROCESSING',
			created_at_ms = CASE WHEN idempotency_records.expires_at_ms <= ? THEN excluded.created_at_ms ELSE idempotency_records.created_at_ms END,
			updated_at_ms = excluded.updated_at_ms,
			expires_at_ms = excluded.expires_at_ms,
			lock_token = excluded.lock_token,
			lock_expires_at_ms = excluded.lock_expires_at_ms,
			endpoint = excluded.endpoint,
			method = excluded.method,
			client_id = excluded.client_id
		WHERE
			idempotency_records.expires_at_ms <= ?
			OR (idempotency_records.request_hash = excluded.request_hash AND idempotency_records.status = 'FAILED')
			OR (idempotency_records.request_hash = excluded.request_hash AND idempotency_records.status = 'PROCESSING' AND idempotency_records.lock_expires_at_ms <= ?)
		RETURNING created_at_ms, lock_token, lock_expires_at_ms`,
		key, requestHash, nowMs, nowMs, expiresAtMs, token, lockExpiresAtMs, meta.Endpoint, meta.Method, meta.ClientID,
		nowMs, nowMs, nowMs,
	)

	var createdMs int64
	var lockToken string
	var lockExpMs int64
	err = row.Scan(&createdMs, &lockToken, &lockExpMs)
	if errors.Is(err, sql.ErrNoRows) {
		return s.startProcessingRejected(ctx, now, key, requestHash)
	}
	if err != nil {
		return store.LockResult{}, idmerr.WrapStorage(err)
	}

	tookOver := createdMs != nowMs
	lr := store.LockResult{
		Acquired:      true,
		LockToken:     lockToken,
		LockExpiresAt: time.UnixMilli(lockExpMs).UTC(),
		TookOver:      tookOver,
	}
	if tookOver {
		s.emitter.Emit(events.Event{Type: events.EventLockTakenOver, Timestamp: now, Key: key, RequestHash: requestHash, LockToken: lockToken})
	} else {
		s.emitter.Emit(events.Event{Type: events.EventLockAcquired, Timestamp: now, Key: key, RequestHash: requestHash, LockToken: lockToken})
	}
	return lr, nil
}

func (s *Store) startProcessingRejected(ctx context.Context, now time.Time, key, requestHash string) (store.LockResult, error) {
	cr, err := s.Check(ctx, now, key, requestHash)
	if err != nil {
		return store.LockResult{}, err
	}
	if !cr.Found {
		// The row existed at UPSERT time but expired or vanished between
		// then and this SELECT under heavy contention; treat as a transient
		// conflict the caller should retry.
		return store.LockResult{}, idmerr.Classify(idmerr.ErrConcurrentRequest, true, 0)
	}

	if cr.RequestMismatch {
		s.emitter.Emit(events.Event{Type: events.EventMismatch, Timestamp: now, Key: key, RequestHash: requestHash})
		return store.LockResult{RequestMismatch: true, ExistingStatus: cr.Status}, nil
	}

	if cr.Status == store.StatusProcessing {
		s.emitter.Emit(events.Event{Type: events.EventConcurrent, Timestamp: now, Key: key, RequestHash: requestHash})
	}

	lr := store.LockResult{ExistingStatus: cr.Status}
	if cr.Status == store.StatusCompleted {
		lr.ExistingResponse.Response = cr.Response
		lr.ExistingResponse.HTTPStatusCode = cr.HTTPStatusCode
		lr.ExistingResponse.ContentType = cr.ContentType
		lr.ExistingResponse.Headers = cr.Headers
	}
	return lr, nil
}

// Record is token-gated via the UPDATE's WHERE clause (spec §4.2).
func (s *Store) Record(ctx context.Context, now time.Time, key, requestHash, lockToken string, response []byte, httpStatusCode int, contentType string, headers map[string][]string, ttl time.Duration, markFailed bool, errInfo *store.ErrorInfo) (*store.Record, error) {
	if lockToken == "" {
		return nil, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
	}

	status := string(store.StatusCompleted)
	var errCode, errMsg sql.NullString
	if markFailed {
		status = string(store.StatusFailed)
		if errInfo != nil {
			errCode = sql.NullString{String: errInfo.Code, Valid: true}
			errMsg = sql.NullString{String: errInfo.Message, Valid: true}
		}
	}

	nowMs := now.UnixMilli()
	expiresAtMs := idkey.ExpiresAt(now, ttl).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET
			status = ?, response = ?, http_status_code = ?, content_type = ?, headers_json = ?,
			error_code = ?, error_message = ?,
			updated_at_ms = ?, completed_at_ms = ?, expires_at_ms = ?,
			lock_token = NULL, lock_expires_at_ms = NULL
		WHERE key = ? AND lock_token = ?`,
		status, bodycodec.Encode(response), httpStatusCode, contentType, encodeHeaders(headers),
		errCode, errMsg, nowMs, nowMs, expiresAtMs, key, lockToken,
	)
	if err != nil {
		return nil, idmerr.WrapStorage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, idmerr.WrapStorage(err)
	}
	if n == 0 {
		exists, existsErr := s.rowExists(ctx, key)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
		}
		return nil, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
	}

	s.emitter.Emit(events.Event{Type: events.EventRecorded, Timestamp: now, Key: key, RequestHash: requestHash, Metadata: map[string]string{"status": status}})

	return &store.Record{
		Key:            key,
		RequestHash:    requestHash,
		Status:         store.Status(status),
		Response:       response,
		HTTPStatusCode: httpStatusCode,
		ContentType:    contentType,
		Headers:        headers,
		ErrorCode:      errCode.String,
		ErrorMessage:   errMsg.String,
		UpdatedAt:      time.UnixMilli(nowMs).UTC(),
		CompletedAt:    time.UnixMilli(nowMs).UTC(),
		ExpiresAt:      time.UnixMilli(expiresAtMs).UTC(),
	}, nil
}

func (s *Store) rowExists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM idempotency_records WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, idmerr.WrapStorage(err)
	}
	return true, nil
}

// ReleaseLock is token-gated: deletes the row when markFailed is false,
// transitions it to FAILED otherwise (spec §4.2).
func (s *Store) ReleaseLock(ctx context.Context, now time.Time, key, lockToken string, markFailed bool, errInfo *store.ErrorInfo) (store.ReleaseResult, error) {
	if !markFailed {
		res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ? AND lock_token = ?`, key, lockToken)
		if err != nil {
			return store.ReleaseResult{}, idmerr.WrapStorage(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return store.ReleaseResult{}, idmerr.WrapStorage(err)
		}
		if n == 0 {
			return store.ReleaseResult{}, s.lockFailureReason(ctx, key)
		}
		s.emitter.Emit(events.Event{Type: events.EventLockReleased, Timestamp: now, Key: key, LockToken: lockToken})
		return store.ReleaseResult{Deleted: true}, nil
	}

	var errCode, errMsg sql.NullString
	if errInfo != nil {
		errCode = sql.NullString{String: errInfo.Code, Valid: true}
		errMsg = sql.NullString{String: errInfo.Message, Valid: true}
	}
	nowMs := now.UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET
			status = 'FAILED', updated_at_ms = ?, completed_at_ms = ?,
			error_code = ?, error_message = ?, lock_token = NULL, lock_expires_at_ms = NULL
		WHERE key = ? AND lock_token = ?`,
		nowMs, nowMs, errCode, errMsg, key, lockToken,
	)
	if err != nil {
		return store.ReleaseResult{}, idmerr.WrapStorage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.ReleaseResult{}, idmerr.WrapStorage(err)
	}
	if n == 0 {
		return store.ReleaseResult{}, s.lockFailureReason(ctx, key)
	}

	s.emitter.Emit(events.Event{Type: events.EventLockReleased, Timestamp: now, Key: key, LockToken: lockToken})
	return store.ReleaseResult{MarkedFailed: true}, nil
}

func (s *Store) lockFailureReason(ctx context.Context, key string) error {
	exists, err := s.rowExists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
	}
	return idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
}

// ExtendLock is token-gated and only succeeds while the lease is live.
func (s *Store) ExtendLock(ctx context.Context, now time.Time, key, lockToken string, extension time.Duration) (store.ExtendResult, error) {
	nowMs := now.UnixMilli()
	newLockExpMs := idkey.ExpiresAt(now, extension).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET lock_expires_at_ms = ?, updated_at_ms = ?
		WHERE key = ? AND lock_token = ? AND lock_expires_at_ms > ?`,
		newLockExpMs, nowMs, key, lockToken, nowMs,
	)
	if err != nil {
		return store.ExtendResult{}, idmerr.WrapStorage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.ExtendResult{}, idmerr.WrapStorage(err)
	}
	if n == 0 {
		exists, existsErr := s.rowExists(ctx, key)
		if existsErr != nil {
			return store.ExtendResult{}, existsErr
		}
		if !exists {
			return store.ExtendResult{}, idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
		}
		var storedToken string
		var lockExpMs sql.NullInt64
		err := s.db.QueryRowContext(ctx, `SELECT lock_token, lock_expires_at_ms FROM idempotency_records WHERE key = ?`, key).Scan(&storedToken, &lockExpMs)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return store.ExtendResult{}, idmerr.WrapStorage(err)
		}
		if storedToken != lockToken {
			return store.ExtendResult{}, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
		}
		return store.ExtendResult{}, idmerr.Classify(idmerr.ErrLockExpired, false, 0)
	}

	s.emitter.Emit(events.Event{Type: events.EventLockExtended, Timestamp: now, Key: key, LockToken: lockToken})
	return store.ExtendResult{LockExpiresAt: time.UnixMilli(newLockExpMs).UTC()}, nil
}

// Cleanup deletes expired (or ForceBefore-eligible) rows in bounded
// batches via a SELECT-then-DELETE-by-key pair, since SQLite's DELETE
// does not support LIMIT without a non-default compile flag (spec
// §4.2).
func (s *Store) Cleanup(ctx context.Context, now time.Time, opts store.CleanupOptions) (store.CleanupResult, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	// MaxRecords additionally bounds how many eligible rows this call will
	// even look at, same as BatchSize, the tighter of the two wins. This
	// mirrors memory/rediskv's scan cap (spec.md:93 "max_records"), which
	// their Cleanup both honor.
	limit := batchSize
	if opts.MaxRecords > 0 && opts.MaxRecords < limit {
		limit = opts.MaxRecords
	}

	var conds []string
	var args []any

	nowMs := now.UnixMilli()
	if !opts.ForceBefore.IsZero() {
		conds = append(conds, "(expires_at_ms <= ? OR created_at_ms < ?)")
		args = append(args, nowMs, opts.ForceBefore.UnixMilli())
	} else {
		conds = append(conds, "expires_at_ms <= ?")
		args = append(args, nowMs)
	}
	if opts.KeyPrefix != "" {
		conds = append(conds, "key LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(opts.KeyPrefix)+"%")
	}
	if opts.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, opts.ClientID)
	}

	where := strings.Join(conds, " AND ")
	selectArgs := append(append([]any{}, args...), limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM idempotency_records WHERE %s LIMIT ?`, where), selectArgs...)
	if err != nil {
		return store.CleanupResult{}, idmerr.WrapStorage(err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return store.CleanupResult{}, idmerr.WrapStorage(err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.CleanupResult{}, idmerr.WrapStorage(err)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM idempotency_records WHERE %s`, where), args...).Scan(&total); err != nil {
		return store.CleanupResult{}, idmerr.WrapStorage(err)
	}

	deleted := 0
	if !opts.DryRun && len(keys) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		delArgs := make([]any, len(keys))
		for i, k := range keys {
			delArgs[i] = k
		}
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM idempotency_records WHERE key IN (%s)`, placeholders), delArgs...)
		if err != nil {
			return store.CleanupResult{}, idmerr.WrapStorage(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return store.CleanupResult{}, idmerr.WrapStorage(err)
		}
		deleted = int(n)
	} else {
		deleted = len(keys)
	}

	var next sql.NullInt64
	_ = s.db.QueryRowContext(ctx, `SELECT MIN(expires_at_ms) FROM idempotency_records WHERE expires_at_ms > ?`, nowMs).Scan(&next)

	s.emitter.Emit(events.Event{Type: events.EventCleanupSwept, Timestamp: now, Metadata: map[string]string{"deleted": strconv.Itoa(deleted)}})

	return store.CleanupResult{
		DeletedCount:           deleted,
		ScannedCount:           len(keys),
		Exhausted:              total <= len(keys),
		NextExpirationEstimate: timeFromNullMs(next),
	}, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

var _ store.Store = (*Store)(nil)
