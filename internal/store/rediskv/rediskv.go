// Package rediskv implements pkg/store.Store on top of Redis, for
// multi-instance deployments that need a shared lock/record backend
// without a relational database.
//
// Reference: spec §4.2 "Remote KV backend".
package rediskv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"quantumlife-idempotency/pkg/events"
)

// Store is a Store backend over a single Redis client. Every multi-step
// operation is compiled into a server-side Lua script so the whole
// operation is observed atomically by concurrent callers, matching the
// in-process mutex's guarantee in internal/store/memory.
type Store struct {
	rdb       *redis.Client
	keyPrefix string
	emitter   events.Emitter
	ownsClient bool
}

// Config configures the Redis backend.
type Config struct {
	// Client is a pre-constructed client. Required.
	Client *redis.Client

	// KeyPrefix namespaces every Redis key this backend touches, so one
	// Redis instance can host multiple idempotency domains (spec §4.2's
	// "global vs per-endpoint key prefixing" note, cf. internal/config).
	KeyPrefix string

	// Emitter receives lifecycle events. Defaults to events.NoopEmitter.
	Emitter events.Emitter

	// OwnsClient, when true, makes Close also close the Redis client.
	OwnsClient bool
}

// New constructs a Redis-backed Store. cfg.Client must be non-nil and
// already configured (address, auth, TLS) by the caller.
func New(cfg Config) *Store {
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "idemp"
	}
	return &Store{
		rdb:        cfg.Client,
		keyPrefix:  prefix,
		emitter:    emitter,
		ownsClient: cfg.OwnsClient,
	}
}

func (s *Store) recordKey(key string) string {
	return s.keyPrefix + ":rec:" + key
}

// HealthCheck pings Redis.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client iff this Store was constructed with
// OwnsClient.
func (s *Store) Close() error {
	if s.ownsClient && s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
