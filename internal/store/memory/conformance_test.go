package memory

import (
	"testing"

	"quantumlife-idempotency/internal/store/conformance"
	"quantumlife-idempotency/pkg/store"
)

func TestMemoryConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) store.Store {
		s := New(Config{})
		t.Cleanup(func() { s.Close() })
		return s
	})
}
