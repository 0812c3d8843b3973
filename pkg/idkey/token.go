package idkey

import "github.com/google/uuid"

// LockTokenPrefix is prepended to every minted fencing token (spec §4.1).
const LockTokenPrefix = "lock_"

// NewLockToken mints a freshly generated opaque fencing token: the
// lock_ prefix plus a UUIDv4 in its 36-character hyphenated form (32 hex
// digits, meeting the 32+ character floor spec §4.1 requires), drawn from
// uuid.NewRandom's
// crypto/rand-backed entropy so collisions are cryptographically
// improbable.
func NewLockToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return LockTokenPrefix + id.String(), nil
}
