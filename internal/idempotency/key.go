package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key identifies one unit of work: the work id joined with a fingerprint of
// the content being processed, e.g. "N1:h1".
type Key string

func NewKey(workID, fingerprint string) Key {
	return Key(workID + ":" + fingerprint)
}

// WorkID returns the part of the key before the last colon.
func (k Key) WorkID() string {
	s := string(k)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

func (k Key) String() string { return string(k) }

// ContentFingerprint is the hex SHA-256 of payload.
func ContentFingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
