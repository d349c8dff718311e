package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAPIBaseURL = "https://api.github.com"

// appJWTTTL keeps the app JWT short-lived; GitHub caps it at 10 minutes.
const appJWTTTL = 10 * time.Minute

// appJWTBackdate absorbs clock skew between us and GitHub.
const appJWTBackdate = 60 * time.Second

// InstallationTokenSource mints short-lived installation access tokens for a
// GitHub App, used as transient clone credentials for private repositories.
type InstallationTokenSource struct {
	appID      string
	privateKey *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewInstallationTokenSource parses the PEM-encoded app private key. An empty
// baseURL targets github.com.
func NewInstallationTokenSource(appID string, privateKeyPEM []byte, baseURL string) (*InstallationTokenSource, error) {
	if appID == "" {
		return nil, fmt.Errorf("github app id cannot be empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &InstallationTokenSource{
		appID:      appID,
		privateKey: key,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}, nil
}

// appJWT signs the RS256 app-identity token GitHub requires for the
// installation token exchange.
func (s *InstallationTokenSource) appJWT() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token exchanges the app JWT for an installation access token.
func (s *InstallationTokenSource) Token(ctx context.Context, installationID string) (string, error) {
	appJWT, err := s.appJWT()
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/app/installations/%s/access_tokens", s.baseURL, url.PathEscape(installationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("installation token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("installation token exchange: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var payload installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode installation token: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("installation token exchange returned empty token")
	}
	return payload.Token, nil
}

// CloneURL embeds an installation token into an https clone URL as the
// transient credential git expects.
func CloneURL(repoURL, token string) (string, error) {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse clone url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", fmt.Errorf("clone url must be http(s), got %q", parsed.Scheme)
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}
