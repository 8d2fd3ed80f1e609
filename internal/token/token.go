// Package token generates URL-safe opaque identifiers.
//
// Expectation and trial ids double as capability URLs, so they must be
// unguessable: 16 bytes from crypto/rand, base64url without padding.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DefaultBytes is the entropy carried by New.
const DefaultBytes = 16

// New returns a fresh URL-safe token with DefaultBytes of entropy.
func New() (string, error) {
	return NewN(DefaultBytes)
}

// NewN returns a URL-safe token with n bytes of entropy.
func NewN(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
