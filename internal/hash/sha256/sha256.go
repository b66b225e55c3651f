// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	hexChars int
}

// New returns a SHA-256 hasher producing the full hex digest.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher keeping the first hexChars digest characters.
// Content fingerprints only need collision resistance within one target.
func NewTruncated(hexChars int) *Hasher {
	return &Hasher{hexChars: hexChars}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.hexChars > 0 && h.hexChars < len(digest) {
		digest = digest[:h.hexChars]
	}
	return digest, nil
}
