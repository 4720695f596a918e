package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// IDSize is the number of random bytes behind every generated identifier.
// 32 bytes = 256 bits of entropy.
const IDSize = 32

// IDGenerator produces candidate session identifiers.
type IDGenerator func() (string, error)

// GenerateID returns a cryptographically random, URL-safe identifier.
func GenerateID() (string, error) {
	b := make([]byte, IDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
