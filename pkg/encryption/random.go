package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandomBytes returns length bytes from crypto/rand
func RandomBytes(length int) []byte {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Errorf("failed to generate random bytes: %w", err))
	}
	return bytes
}

// GenerateRandomString generates length random bytes, encoded as unpadded base64url so the
// value can travel in query strings untouched.
func GenerateRandomString(length int) string {
	return base64.RawURLEncoding.EncodeToString(RandomBytes(length))
}
