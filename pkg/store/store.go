package store

import (
	"context"
	"time"
)

// CheckResult is the outcome of a pure read (spec §4.2 check).
type CheckResult struct {
	Found bool

	// RequestMismatch is true iff Found and the stored request hash
	// differs from the one supplied by the caller. When true, response
	// fields MUST be left zero-valued by the backend (spec §3 "Mismatch
	// isolation").
	RequestMismatch bool

	Status Status

	// Response envelope, populated only when Found, !RequestMismatch, and
	// the record carries a response.
	Response       []byte
	HTTPStatusCode int
	ContentType    string
	Headers        map[string][]string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	ExpiresAt   time.Time
}

// StartMeta carries the context metadata attached when a record is first
// created or taken over.
type StartMeta struct {
	Endpoint string
	Method   string
	ClientID string
}

// LockResult is the outcome of start_processing (spec §4.2).
type LockResult struct {
	Acquired bool

	// Populated when Acquired.
	LockToken     string
	LockExpiresAt time.Time

	// Populated when !Acquired.
	RequestMismatch bool
	ExistingStatus  Status
	ExistingResponse struct {
		Response       []byte
		HTTPStatusCode int
		ContentType    string
		Headers        map[string][]string
	}

	// TookOver is true when Acquired resulted from taking over an expired
	// PROCESSING lock or a FAILED record, rather than creating fresh.
	TookOver bool
}

// ReleaseResult is the outcome of release_lock.
type ReleaseResult struct {
	// Deleted is true when the record was removed outright (mark_failed
	// was false: the invoker aborted before producing a response).
	Deleted bool

	// MarkedFailed is true when the record transitioned to FAILED instead.
	MarkedFailed bool
}

// ExtendResult is the outcome of extend_lock.
type ExtendResult struct {
	LockExpiresAt time.Time
}

// CleanupResult is the outcome of cleanup (spec §4.2).
type CleanupResult struct {
	// DeletedCount is the number of records removed by this call.
	DeletedCount int

	// ScannedCount is the number of records examined (>= DeletedCount,
	// since a batch may contain records not yet past their deadline).
	ScannedCount int

	// Exhausted is true when the sweep found no more eligible records
	// before MaxRecords/BatchSize limits were hit — i.e. the backend is
	// caught up, not merely out of budget for this call.
	Exhausted bool

	// NextExpirationEstimate is the soonest expires_at among records left
	// behind, when known. Zero value means unknown or no records remain.
	NextExpirationEstimate time.Time
}

// CleanupOptions configures a cleanup sweep (spec §4.2).
type CleanupOptions struct {
	BatchSize   int
	MaxRecords  int
	KeyPrefix   string
	ClientID    string
	ForceBefore time.Time
	DryRun      bool
}

// ErrorInfo carries the failure reason recorded by release_lock(mark_failed)
// or record(mark_failed).
type ErrorInfo struct {
	Code    string
	Message string
}

// Store is the abstract contract every backend (memory, remote KV,
// relational) must satisfy with identical atomicity semantics. "Atomic"
// means the entire named sequence is observed as a single step by any
// concurrent caller (spec §4.2).
//
// now is passed explicitly rather than read from time.Now() inside
// backends, so a single logical instant governs an entire atomic region
// even when the backend compiles the operation into a remote script
// (spec §4.2 "Remote KV backend").
type Store interface {
	// Check is a pure read. Expired records read as Found=false.
	Check(ctx context.Context, now time.Time, key, requestHash string) (CheckResult, error)

	// StartProcessing executes the five-way branch of spec §4.2 atomically.
	StartProcessing(ctx context.Context, now time.Time, key, requestHash string, lockTTL, recordTTL time.Duration, meta StartMeta) (LockResult, error)

	// Record stores the terminal response envelope. It is always
	// token-gated: an empty or non-matching lockToken fails with
	// LOCK_ACQUISITION_FAILED. markFailed selects COMPLETED vs FAILED.
	Record(ctx context.Context, now time.Time, key, requestHash string, lockToken string, response []byte, httpStatusCode int, contentType string, headers map[string][]string, ttl time.Duration, markFailed bool, errInfo *ErrorInfo) (*Record, error)

	// ReleaseLock is token-gated. Deletes the record when markFailed is
	// false; transitions it to FAILED, preserving ExpiresAt, when true.
	ReleaseLock(ctx context.Context, now time.Time, key, lockToken string, markFailed bool, errInfo *ErrorInfo) (ReleaseResult, error)

	// ExtendLock is token-gated and only succeeds while the current lock is
	// unexpired.
	ExtendLock(ctx context.Context, now time.Time, key, lockToken string, extension time.Duration) (ExtendResult, error)

	// Cleanup evicts expired records in bounded batches.
	Cleanup(ctx context.Context, now time.Time, opts CleanupOptions) (CleanupResult, error)

	// HealthCheck performs a non-destructive ping of the backend.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources (connections, tickers, ...).
	Close() error
}
