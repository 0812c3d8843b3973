package rediskv

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"quantumlife-idempotency/internal/store/conformance"
	"quantumlife-idempotency/pkg/store"
)

// TestRedisConformance only runs against a real Redis instance: set
// REDIS_ADDR (e.g. "localhost:6379") to opt in. Every sub-test gets its
// own key prefix derived from its name so parallel CI runs against a
// shared Redis don't collide, and the prefix is flushed afterward.
func TestRedisConformance(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis-backed conformance suite")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	conformance.Run(t, func(t *testing.T) store.Store {
		prefix := "conformance:" + t.Name()
		s := New(Config{Client: client, KeyPrefix: prefix})
		t.Cleanup(func() {
			keys, _ := client.Keys(context.Background(), prefix+":*").Result()
			if len(keys) > 0 {
				client.Del(context.Background(), keys...)
			}
		})
		return s
	})
}
