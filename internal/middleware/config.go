package middleware

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"quantumlife-idempotency/pkg/clock"
	"quantumlife-idempotency/pkg/events"
)

// ConcurrentMode selects how the middleware handles a request whose key is
// currently held by a live PROCESSING lock (spec §4.5 step 7).
type ConcurrentMode string

const (
	// ModeReject responds 409 immediately, with Retry-After set to the
	// Manager's LockTimeout in whole seconds.
	ModeReject ConcurrentMode = "reject"

	// ModeWait re-attempts the request every RetryInterval until the
	// peer's record resolves: a COMPLETED peer is replayed, a FAILED
	// peer's record is taken over and the handler runs for this request,
	// and 408 is returned once MaxWaitTime elapses. A failed peer does not
	// produce a 409.
	ModeWait ConcurrentMode = "wait"
)

// PathRule excludes a path from idempotency handling, by exact prefix or by
// regular expression (spec §4.5 step 1, §6 excludePaths).
type PathRule struct {
	Prefix string
	Regex  *regexp.Regexp
}

// Matches reports whether path is excluded by this rule.
func (r PathRule) Matches(path string) bool {
	if r.Regex != nil {
		return r.Regex.MatchString(path)
	}
	if r.Prefix != "" {
		return strings.HasPrefix(path, r.Prefix)
	}
	return false
}

// Config holds the configurable options table of spec §6.
type Config struct {
	// KeyHeader is the request header carrying the idempotency key.
	// Default "Idempotency-Key".
	KeyHeader string

	// ReplayHeader is the response header set to "true" on a cache hit.
	// Default "Idempotency-Replayed".
	ReplayHeader string

	// Methods are the HTTP methods gated by the middleware. Default
	// POST, PUT, PATCH.
	Methods []string

	// ExcludePaths bypasses idempotency handling for matching paths.
	ExcludePaths []PathRule

	// RequireKey selects whether a missing key yields 400 or passes
	// through untouched. Default false (pass through).
	RequireKey bool

	// FingerprintHeaders are the header names that participate in the
	// request hash, alongside method, path, and body.
	FingerprintHeaders []string

	// KeyPrefix namespaces the client-supplied key before it reaches the
	// Store.
	KeyPrefix string

	// MaxKeyLength rejects keys (after prefixing) above this length.
	// Default 256.
	MaxKeyLength int

	// ConcurrentMode selects reject or wait handling. Default
	// ModeReject.
	ConcurrentMode ConcurrentMode

	// MaxWaitTime bounds ModeWait polling. Default 30s.
	MaxWaitTime time.Duration

	// RetryInterval is the poll cadence in ModeWait. Default 200ms.
	RetryInterval time.Duration

	// ClientID derives the client identifier recorded against a record
	// (spec §4.5 step 4, "client_id=source_ip"). Defaults to the request's
	// RemoteAddr host, stripped of port.
	ClientID func(*http.Request) string

	Emitter events.Emitter

	// Clock provides the current time for the wait-mode poll deadline.
	// Defaults to clock.NewReal().
	Clock clock.Clock
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		KeyHeader:      "Idempotency-Key",
		ReplayHeader:   "Idempotency-Replayed",
		Methods:        []string{http.MethodPost, http.MethodPut, http.MethodPatch},
		RequireKey:     false,
		MaxKeyLength:   256,
		ConcurrentMode: ModeReject,
		MaxWaitTime:    30 * time.Second,
		RetryInterval:  200 * time.Millisecond,
		ClientID:       remoteHost,
		Emitter:        events.NoopEmitter{},
		Clock:          clock.NewReal(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeyHeader == "" {
		c.KeyHeader = d.KeyHeader
	}
	if c.ReplayHeader == "" {
		c.ReplayHeader = d.ReplayHeader
	}
	if len(c.Methods) == 0 {
		c.Methods = d.Methods
	}
	if c.MaxKeyLength <= 0 {
		c.MaxKeyLength = d.MaxKeyLength
	}
	if c.ConcurrentMode == "" {
		c.ConcurrentMode = d.ConcurrentMode
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = d.MaxWaitTime
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.ClientID == nil {
		c.ClientID = d.ClientID
	}
	if c.Emitter == nil {
		c.Emitter = d.Emitter
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c Config) methodGated(method string) bool {
	for _, m := range c.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (c Config) pathExcluded(path string) bool {
	for _, rule := range c.ExcludePaths {
		if rule.Matches(path) {
			return true
		}
	}
	return false
}
