// Package crypto encrypts per-service webhook secret overrides at rest.
// AES-GCM with a key derived from the configured cipher key; the nonce is
// prepended to the sealed payload, so a stored secret is a single opaque
// byte string.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// ErrShortCiphertext means a stored payload is too small to contain the
// nonce, i.e. it was corrupted or never produced by EncryptString.
var ErrShortCiphertext = errors.New("crypto: ciphertext shorter than nonce")

// EncryptString seals plaintext under the given cipher key.
func EncryptString(key, plaintext string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptToString opens a payload produced by EncryptString.
func DecryptToString(key string, payload []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(payload) < gcm.NonceSize() {
		return "", ErrShortCiphertext
	}
	nonce, sealed := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// newGCM derives a 32-byte key from the configured cipher key via SHA-256,
// so operators can set any string without worrying about AES key sizes.
func newGCM(key string) (cipher.AEAD, error) {
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
