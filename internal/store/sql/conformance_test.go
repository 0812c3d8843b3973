package sqlstore

import (
	"testing"

	"quantumlife-idempotency/internal/store/conformance"
	"quantumlife-idempotency/pkg/store"
)

func TestSQLConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) store.Store {
		s, err := Open(Config{Path: ":memory:"})
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
