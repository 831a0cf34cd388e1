// Package idgen generates random identifiers and shared secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func randomHex(numBytes int) string {
	b := make([]byte, numBytes)
	// crypto/rand.Read never returns an error on supported platforms
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix followed by 24 random hex chars, e.g. "wh_3f9a...".
func WithPrefix(prefix string) string {
	return prefix + randomHex(12)
}

// Secret returns a 64 hex char signing secret.
func Secret() string {
	return randomHex(32)
}
