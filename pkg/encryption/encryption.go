package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

var ErrCiphertextTooShort = errors.New("encrypted data too short")

// Encrypt seals data with AES-GCM. The nonce is prepended to the ciphertext.
func Encrypt(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt
func Decrypt(key, encryptedData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, encryptedData[:nonceSize], encryptedData[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// DecodeKey decodes a base64 key. An empty string yields a fresh random key and
// generated=true so callers can warn that sessions will not survive a restart.
func DecodeKey(encoded string, size int) (key []byte, generated bool, err error) {
	if encoded == "" {
		return RandomBytes(size), true, nil
	}
	key, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode key: %w", err)
	}
	if size > 0 && len(key) != size {
		return nil, false, fmt.Errorf("key must be %d bytes, got %d", size, len(key))
	}
	return key, false, nil
}

// HashToken returns the SHA-256 digest of a bearer value, used as its storage key
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(hash[:])
}
