// Package manager implements the stateless orchestration façade of
// spec §4.4: check -> acquire lock -> run user operation -> record ->
// release, with retry policy for transient storage faults.
package manager

import (
	"time"

	"golang.org/x/sync/singleflight"

	"quantumlife-idempotency/pkg/clock"
	"quantumlife-idempotency/pkg/events"
	"quantumlife-idempotency/pkg/store"
)

// WaitOnFailedPeer selects what Execute returns when StartProcessing
// reports a FAILED record without acquiring it. The memory, Redis and
// SQL backends in this module never report that: they take over a
// FAILED record with a matching request hash, so a retry (including the
// wait-mode middleware's) re-runs the handler and this setting has no
// effect with them.
// Spec §9's second Open Question leaves this as an implementer choice;
// see DESIGN.md for which default this repo picked and why.
type WaitOnFailedPeer string

const (
	// ReplayFailure replays the peer's stored FAILED envelope verbatim,
	// the same as a COMPLETED replay.
	ReplayFailure WaitOnFailedPeer = "replay-failure"

	// Reject409 returns CONCURRENT_REQUEST (409) instead of disclosing the
	// peer's failure envelope.
	Reject409 WaitOnFailedPeer = "reject409"
)

// Config configures a Manager's defaults. Per-call overrides are not
// exposed; callers needing different TTLs per endpoint should construct
// multiple Managers sharing the same Store.
type Config struct {
	// DefaultTTL is the record lifetime after a terminal transition.
	DefaultTTL time.Duration

	// LockTimeout is the initial lock lease handed out by start_processing.
	LockTimeout time.Duration

	// MaxRetries bounds ExecuteWithRetry's retry loop, for both transient
	// storage errors and CONCURRENT_REQUEST. The middleware's wait mode is
	// bounded by its own MaxWaitTime instead.
	MaxRetries int

	// BaseBackoff and MaxBackoff bound the exponential backoff computed by
	// computeBackoff (spec §4.4: "base 100ms, cap 10s, jitter 0-50%").
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// MaxResponseSize rejects Record calls whose response body exceeds
	// this ceiling with RESPONSE_TOO_LARGE (spec §4.2 "record").
	MaxResponseSize int

	// WaitOnFailedPeer governs what Execute (and so ExecuteWithRetry)
	// returns for an unacquired FAILED record; see the type's doc.
	WaitOnFailedPeer WaitOnFailedPeer

	Emitter events.Emitter

	// Clock provides the current time. Defaults to clock.NewReal(); tests
	// inject clock.NewFixed or clock.NewFunc to control lease/TTL math
	// deterministically (pkg/clock's "core logic must not call time.Now()
	// directly" guardrail).
	Clock clock.Clock
}

// DefaultConfig returns the spec's stated defaults (§6 "Configuration").
func DefaultConfig() Config {
	return Config{
		DefaultTTL:       24 * time.Hour,
		LockTimeout:      30 * time.Second,
		MaxRetries:       5,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		MaxResponseSize:  1 << 20,
		WaitOnFailedPeer: ReplayFailure,
		Emitter:          events.NoopEmitter{},
		Clock:            clock.NewReal(),
	}
}

// Manager is a stateless façade over a Store: it carries no per-request
// state itself, only the shared singleflight group used to collapse
// simultaneous in-process callers before any of them touch the Store.
type Manager struct {
	store store.Store
	cfg   Config
	sf    *singleflight.Group
}

// New constructs a Manager. cfg zero-values are filled from
// DefaultConfig where that makes sense (MaxRetries <= 0, zero
// durations), so callers can pass a partially-populated Config.
func New(s store.Store, cfg Config) *Manager {
	d := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = d.DefaultTTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = d.LockTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = d.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = d.MaxResponseSize
	}
	if cfg.WaitOnFailedPeer == "" {
		cfg.WaitOnFailedPeer = d.WaitOnFailedPeer
	}
	if cfg.Emitter == nil {
		cfg.Emitter = d.Emitter
	}
	if cfg.Clock == nil {
		cfg.Clock = d.Clock
	}

	return &Manager{store: s, cfg: cfg, sf: &singleflight.Group{}}
}
