package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	secret := "hook-secret"
	valid := sign(secret, payload)

	cases := []struct {
		name      string
		signature string
		secret    string
		wantErr   error
	}{
		{"valid bare hex", valid, secret, nil},
		{"valid with prefix", "sha256=" + valid, secret, nil},
		{"wrong secret", sign("other", payload), secret, ErrInvalidSignature},
		{"truncated", valid[:10], secret, ErrInvalidSignature},
		{"missing header", "", secret, ErrMissingSignature},
		{"missing header unconfigured", "", "", ErrMissingSignature},
		{"unconfigured secret skips", "anything", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature(payload, tc.signature, tc.secret)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("VerifySignature = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	secret := "hook-secret"
	signature := sign(secret, []byte("original body"))
	if err := VerifySignature([]byte("tampered body"), signature, secret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	cases := []struct {
		name    string
		token   string
		secret  string
		wantErr error
	}{
		{"match", "tok-123", "tok-123", nil},
		{"mismatch", "tok-wrong", "tok-123", ErrInvalidSignature},
		{"missing", "", "tok-123", ErrMissingSignature},
		{"unconfigured skips", "whatever", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyToken(tc.token, tc.secret)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("VerifyToken = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
