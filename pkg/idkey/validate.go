package idkey

import (
	"fmt"
	"regexp"

	"quantumlife-idempotency/pkg/idmerr"
)

// DefaultMaxKeyLength is the default ceiling on key length including any
// configured prefix (spec §3, §6).
const DefaultMaxKeyLength = 256

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

// Validate checks key (already including any namespace prefix) against the
// invariants of spec §4.1: non-empty, within maxLen, and matching the
// printable-identifier character class.
func Validate(key string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxKeyLength
	}
	if key == "" {
		return fmt.Errorf("%w: key is empty", idmerr.ErrInvalidKeyFormat)
	}
	if len(key) > maxLen {
		return fmt.Errorf("%w: key length %d exceeds max %d", idmerr.ErrKeyTooLong, len(key), maxLen)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: key contains characters outside [A-Za-z0-9_.:-]", idmerr.ErrInvalidKeyFormat)
	}
	return nil
}

// WithPrefix namespaces a client-supplied key with prefix, when configured.
// The returned key is what Validate and the Store operate on.
func WithPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}
