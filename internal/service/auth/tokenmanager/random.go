package tokenmanager

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Refresh token length in bytes (256 bits)
const RefreshTokenBytesLen = 32

// Opaque token values generator
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator produces base64 (url alphabet, no padding) encoded random values
// It has no state, so it is safe to use concurrently
type RandomGenerator struct {
	// Bytes to read from crypto/rand. RefreshTokenBytesLen if zero
	Size int
}

func (g RandomGenerator) Generate() (string, error) {
	size := g.Size
	if size == 0 {
		size = RefreshTokenBytesLen
	}

	b := make([]byte, size)
	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("error while reading random bytes. Err: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
