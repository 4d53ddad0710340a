// Package idhash provides the stable one-way hash used everywhere an inbox id
// leaves process memory: store keys and log fields. Raw inbox ids must never
// appear in either.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the first 12 hex characters of the SHA-256 of the inbox id.
func Hash(inboxID string) string {
	sum := sha256.Sum256([]byte(inboxID))
	return hex.EncodeToString(sum[:])[:12]
}
