// Package sha256 derives stable record names from URLs and other free-form keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher builds digests used for KV record names.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Key returns prefix followed by the first 16 bytes of the digest of value,
// hex encoded. The result is short enough for any KV backend key column.
func Key(prefix, value string) string {
	sum := sha256.Sum256([]byte(value))
	return prefix + hex.EncodeToString(sum[:16])
}
