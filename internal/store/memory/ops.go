package memory

import (
	"context"
	"sort"
	"time"

	"quantumlife-idempotency/pkg/events"
	"quantumlife-idempotency/pkg/idkey"
	"quantumlife-idempotency/pkg/idmerr"
	"quantumlife-idempotency/pkg/store"
)

// Check is a pure read. Expired records read as Found=false (spec §4.2).
func (s *Store) Check(ctx context.Context, now time.Time, key, requestHash string) (store.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key]
	if !ok || e.record.IsExpired(now) {
		return store.CheckResult{Found: false}, nil
	}
	r := e.record

	if r.RequestHash != requestHash {
		return store.CheckResult{Found: true, RequestMismatch: true, Status: r.Status}, nil
	}

	return store.CheckResult{
		Found:          true,
		Status:         r.Status,
		Response:       r.Response,
		HTTPStatusCode: r.HTTPStatusCode,
		ContentType:    r.ContentType,
		Headers:        cloneHeaders(r.Headers),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
		ExpiresAt:      r.ExpiresAt,
	}, nil
}

// StartProcessing implements the five-way branch of spec §4.2 atomically
// under the Store's single mutex.
func (s *Store) StartProcessing(ctx context.Context, now time.Time, key, requestHash string, lockTTL, recordTTL time.Duration, meta store.StartMeta) (store.LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, live := s.records[key]
	if live && e.record.IsExpired(now) {
		live = false
	}

	if !live {
		token, err := idkey.NewLockToken()
		if err != nil {
			return store.LockResult{}, idmerr.WrapStorage(err)
		}
		r := &store.Record{
			Key:           key,
			RequestHash:   requestHash,
			Status:        store.StatusProcessing,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     idkey.ExpiresAt(now, recordTTL),
			LockToken:     token,
			LockExpiresAt: idkey.ExpiresAt(now, lockTTL),
			Endpoint:      meta.Endpoint,
			Method:        meta.Method,
			ClientID:      meta.ClientID,
		}
		s.insert(key, r)
		s.emitter.Emit(events.Event{Type: events.EventLockAcquired, Timestamp: now, Key: key, RequestHash: requestHash, LockToken: token})
		return store.LockResult{Acquired: true, LockToken: token, LockExpiresAt: r.LockExpiresAt}, nil
	}

	r := e.record

	if r.RequestHash != requestHash {
		s.emitter.Emit(events.Event{Type: events.EventMismatch, Timestamp: now, Key: key, RequestHash: requestHash})
		return store.LockResult{RequestMismatch: true, ExistingStatus: r.Status}, nil
	}

	switch r.Status {
	case store.StatusCompleted:
		res := store.LockResult{ExistingStatus: store.StatusCompleted}
		res.ExistingResponse.Response = r.Response
		res.ExistingResponse.HTTPStatusCode = r.HTTPStatusCode
		res.ExistingResponse.ContentType = r.ContentType
		res.ExistingResponse.Headers = cloneHeaders(r.Headers)
		return res, nil

	case store.StatusProcessing:
		if now.Before(r.LockExpiresAt) {
			s.emitter.Emit(events.Event{Type: events.EventConcurrent, Timestamp: now, Key: key, RequestHash: requestHash})
			return store.LockResult{ExistingStatus: store.StatusProcessing}, nil
		}
		// Expired lock: take over.
		return s.takeOver(now, key, requestHash, lockTTL, recordTTL, meta, r)

	case store.StatusFailed:
		return s.takeOver(now, key, requestHash, lockTTL, recordTTL, meta, r)
	}

	return store.LockResult{}, idmerr.Classify(idmerr.ErrSerialization, false, 0)
}

func (s *Store) takeOver(now time.Time, key, requestHash string, lockTTL, recordTTL time.Duration, meta store.StartMeta, prev *store.Record) (store.LockResult, error) {
	token, err := idkey.NewLockToken()
	if err != nil {
		return store.LockResult{}, idmerr.WrapStorage(err)
	}
	r := &store.Record{
		Key:           key,
		RequestHash:   requestHash,
		Status:        store.StatusProcessing,
		CreatedAt:     prev.CreatedAt,
		UpdatedAt:     now,
		ExpiresAt:     idkey.ExpiresAt(now, recordTTL),
		LockToken:     token,
		LockExpiresAt: idkey.ExpiresAt(now, lockTTL),
		Endpoint:      meta.Endpoint,
		Method:        meta.Method,
		ClientID:      meta.ClientID,
	}
	s.insert(key, r)
	s.emitter.Emit(events.Event{Type: events.EventLockTakenOver, Timestamp: now, Key: key, RequestHash: requestHash, LockToken: token})
	return store.LockResult{Acquired: true, LockToken: token, LockExpiresAt: r.LockExpiresAt, TookOver: true}, nil
}

// Record stores the terminal response envelope (spec §4.2). It is always
// token-gated: an empty or non-matching lockToken fails with
// LOCK_ACQUISITION_FAILED.
func (s *Store) Record(ctx context.Context, now time.Time, key, requestHash, lockToken string, response []byte, httpStatusCode int, contentType string, headers map[string][]string, ttl time.Duration, markFailed bool, errInfo *store.ErrorInfo) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key]
	if !ok || e.record.IsExpired(now) {
		return nil, idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
	}
	r := e.record

	if lockToken == "" || r.LockToken != lockToken {
		return nil, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
	}

	r.Response = response
	r.HTTPStatusCode = httpStatusCode
	r.ContentType = contentType
	r.Headers = cloneHeaders(headers)
	r.UpdatedAt = now
	r.CompletedAt = now
	r.ExpiresAt = idkey.ExpiresAt(now, ttl)
	r.LockToken = ""
	r.LockExpiresAt = time.Time{}

	if markFailed {
		r.Status = store.StatusFailed
		if errInfo != nil {
			r.ErrorCode = errInfo.Code
			r.ErrorMessage = errInfo.Message
		}
	} else {
		r.Status = store.StatusCompleted
		r.ErrorCode = ""
		r.ErrorMessage = ""
	}

	s.emitter.Emit(events.Event{Type: events.EventRecorded, Timestamp: now, Key: key, RequestHash: requestHash, Metadata: map[string]string{"status": string(r.Status)}})

	out := *r
	out.Headers = cloneHeaders(r.Headers)
	return &out, nil
}

// ReleaseLock is token-gated: deletes the record when markFailed is
// false, transitions it to FAILED (preserving ExpiresAt) when true
// (spec §4.2).
func (s *Store) ReleaseLock(ctx context.Context, now time.Time, key, lockToken string, markFailed bool, errInfo *store.ErrorInfo) (store.ReleaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key]
	if !ok {
		return store.ReleaseResult{}, idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
	}
	r := e.record
	if r.LockToken != lockToken {
		return store.ReleaseResult{}, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
	}

	s.emitter.Emit(events.Event{Type: events.EventLockReleased, Timestamp: now, Key: key, LockToken: lockToken})

	if !markFailed {
		s.delete(key)
		return store.ReleaseResult{Deleted: true}, nil
	}

	r.Status = store.StatusFailed
	r.UpdatedAt = now
	r.CompletedAt = now
	r.LockToken = ""
	r.LockExpiresAt = time.Time{}
	if errInfo != nil {
		r.ErrorCode = errInfo.Code
		r.ErrorMessage = errInfo.Message
	}
	return store.ReleaseResult{MarkedFailed: true}, nil
}

// ExtendLock is token-gated and only succeeds while the current lock is
// unexpired (spec §4.2).
func (s *Store) ExtendLock(ctx context.Context, now time.Time, key, lockToken string, extension time.Duration) (store.ExtendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key]
	if !ok {
		return store.ExtendResult{}, idmerr.Classify(idmerr.ErrRecordNotFound, false, 0)
	}
	r := e.record
	if r.LockToken != lockToken {
		return store.ExtendResult{}, idmerr.Classify(idmerr.ErrLockAcquisitionFailed, false, 0)
	}
	if !now.Before(r.LockExpiresAt) {
		return store.ExtendResult{}, idmerr.Classify(idmerr.ErrLockExpired, false, 0)
	}

	r.LockExpiresAt = idkey.ExpiresAt(now, extension)
	r.UpdatedAt = now
	s.emitter.Emit(events.Event{Type: events.EventLockExtended, Timestamp: now, Key: key, LockToken: lockToken})
	return store.ExtendResult{LockExpiresAt: r.LockExpiresAt}, nil
}

// Cleanup deletes records where expires_at <= now, optionally also those
// created before ForceBefore, in bounded batches (spec §4.2).
func (s *Store) Cleanup(ctx context.Context, now time.Time, opts store.CleanupOptions) (store.CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	type candidate struct {
		key       string
		expiresAt time.Time
	}
	var toDelete []candidate
	var nextExpiration time.Time

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic scan order for tests

	scanned := 0
	eligibleCount := 0
	// scanExhausted is false only when MaxRecords cut the scan short before
	// it reached the natural end of keys, meaning more candidates may still
	// need examining on a future call.
	scanExhausted := true
	for _, key := range keys {
		if opts.MaxRecords > 0 && scanned >= opts.MaxRecords {
			scanExhausted = false
			break
		}
		r := s.records[key].record
		if opts.KeyPrefix != "" && !hasPrefix(r.Key, opts.KeyPrefix) {
			continue
		}
		if opts.ClientID != "" && r.ClientID != opts.ClientID {
			continue
		}
		scanned++

		eligible := idkey.IsExpired(now, r.ExpiresAt)
		if !eligible && !opts.ForceBefore.IsZero() && r.CreatedAt.Before(opts.ForceBefore) {
			eligible = true
		}

		if eligible {
			eligibleCount++
			if len(toDelete) < batchSize {
				toDelete = append(toDelete, candidate{key: key, expiresAt: r.ExpiresAt})
			}
			continue
		}

		if nextExpiration.IsZero() || r.ExpiresAt.Before(nextExpiration) {
			nextExpiration = r.ExpiresAt
		}
	}

	if !opts.DryRun {
		for _, c := range toDelete {
			s.delete(c.key)
		}
	}

	s.emitter.Emit(events.Event{Type: events.EventCleanupSwept, Timestamp: now, Metadata: map[string]string{"deleted": itoa(len(toDelete))}})

	// Exhausted means this call left no cleanup work outstanding: the scan
	// reached the end of the keyspace (not cut short by MaxRecords) and
	// every eligible record found was actually deleted (not left behind by
	// a BatchSize cap).
	exhausted := scanExhausted && eligibleCount == len(toDelete)

	return store.CleanupResult{
		DeletedCount:           len(toDelete),
		ScannedCount:           scanned,
		Exhausted:              exhausted,
		NextExpirationEstimate: nextExpiration,
	}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Response-size enforcement (config.MaxResponseSize) is the caller's
// responsibility, not the backend's: every Store implementation stays
// ignorant of that ceiling and lets internal/manager enforce it
// uniformly before the atomic write, so the limit is identical across
// backends.
