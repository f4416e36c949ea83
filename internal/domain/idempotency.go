package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// IdempotencyRecord pins a caller-supplied key to the session it created,
// so a repeated create within the replay window returns the original
// session instead of opening a duplicate.
type IdempotencyRecord struct {
	Scope       string
	Key         string
	Fingerprint string
	SessionID   uuid.UUID

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Fingerprint hashes a canonical request body. A repeated key with a
// different fingerprint is a caller bug, not a retry.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
