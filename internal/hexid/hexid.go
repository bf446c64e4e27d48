// Package hexid generates short random hex identifiers used for slugs and
// session-key suffixes.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns an 8-character lowercase hex string (4 random bytes).
func New() string {
	return NewN(4)
}

// NewN returns 2*n lowercase hex characters.
func NewN(n int) string {
	if n <= 0 {
		n = 4
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Prefixed returns prefix + "-" + New(), or just New() for an empty prefix.
func Prefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "-" + New()
}
