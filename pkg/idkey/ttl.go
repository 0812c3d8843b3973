package idkey

import "time"

// ExpiresAt computes expires_at = now + ttl with millisecond precision
// (spec §4.1).
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	return now.Add(ttl).Truncate(time.Millisecond)
}

// IsExpired reports whether now >= expiresAt (spec §4.1: "a record is
// 'expired' iff now >= expires_at").
func IsExpired(now, expiresAt time.Time) bool {
	return !now.Before(expiresAt)
}
