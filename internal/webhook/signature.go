package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrMissingSignature means the provider sent no signature or token
	// header at all. Always rejected, even with no secret configured.
	ErrMissingSignature = errors.New("webhook: missing signature header")
	// ErrInvalidSignature means the signature or token did not match.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// VerifySignature checks an HMAC-SHA256 hex signature over the raw request
// body. GitHub prefixes the hex digest with "sha256="; the prefix is optional
// here. An empty secret skips verification (the caller logs the opt-out).
func VerifySignature(payload []byte, signature, secret string) error {
	if strings.TrimSpace(signature) == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return nil
	}
	provided := strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyToken checks a static shared token, for providers that do not sign
// payloads. An empty secret skips verification.
func VerifyToken(token, secret string) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
