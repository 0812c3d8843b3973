// Package events defines event types for idempotency-subsystem
// observability. Events are used for audit logging and for tests that
// assert on lifecycle ordering without coupling to a concrete logger.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

// Lifecycle events for one idempotency key's journey through the state
// machine (spec §4.3).
const (
	// EventLockAcquired fires when start_processing acquires a fresh lock
	// (no prior live record).
	EventLockAcquired EventType = "idempotency.lock.acquired"

	// EventLockTakenOver fires when start_processing takes over a record
	// whose lock lease had expired, or that was left in FAILED.
	EventLockTakenOver EventType = "idempotency.lock.taken_over"

	// EventReplayed fires when a caller's key resolved to a COMPLETED
	// record and the stored response was returned instead of re-running
	// the handler.
	EventReplayed EventType = "idempotency.replayed"

	// EventMismatch fires when a key was reused with a different request
	// fingerprint.
	EventMismatch EventType = "idempotency.request_mismatch"

	// EventConcurrent fires when a caller observed a live PROCESSING lock
	// held by someone else.
	EventConcurrent EventType = "idempotency.concurrent_request"

	// EventRecorded fires when record() persists a terminal response.
	EventRecorded EventType = "idempotency.recorded"

	// EventLockReleased fires when release_lock runs (abort or failure).
	EventLockReleased EventType = "idempotency.lock.released"

	// EventLockExtended fires when extend_lock succeeds.
	EventLockExtended EventType = "idempotency.lock.extended"

	// EventCleanupSwept fires once per cleanup() batch run.
	EventCleanupSwept EventType = "idempotency.cleanup.swept"
)

// Event represents a single observable occurrence in the idempotency
// subsystem.
type Event struct {
	// Type identifies the kind of event.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Key is the idempotency key involved, when applicable.
	Key string

	// RequestHash is the fingerprint hash involved, when applicable.
	RequestHash string

	// LockToken is the fencing token involved, when applicable. Never
	// logged in full by default callers — callers that forward events to
	// external sinks should redact or truncate it.
	LockToken string

	// Metadata carries event-specific extra fields (e.g. "status",
	// "deleted_count", "backend").
	Metadata map[string]string
}

// Emitter receives events. Implementations must not block the caller for
// long; the Manager, the store backends and the sweeper call Emit
// synchronously, the first two on the request path.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event. It is the default used when a caller
// does not inject one, so two independent idempotency engines can coexist
// in one process without fighting over a package-level logger (spec §9).
type NoopEmitter struct{}

// Emit does nothing.
func (NoopEmitter) Emit(Event) {}

var _ Emitter = NoopEmitter{}
