package manager

import (
	"math/rand"
	"time"
)

// computeBackoff returns the delay before retry attempt n (0-indexed):
// exponential growth from base, capped at max, plus 0-50% jitter (spec
// §4.4: "exponential backoff (base 100 ms, cap 10 s, jitter 0-50%)").
// Grounded on other_examples/de8b26b1 smarterbase's TryLockWithRetry,
// which computes the same backoff*2^i-plus-jitter shape for Redis lock
// contention.
func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			backoff = max
			break
		}
	}
	jitter := time.Duration(rand.Float64() * 0.5 * float64(backoff))
	total := backoff + jitter
	if total > max {
		total = max
	}
	return total
}
