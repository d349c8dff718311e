package domain

import "time"

// Provider identifies the version-control system delivering webhooks.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// WebhookEvent is the append-only audit record of one inbound delivery.
// ServiceID is set only when a matching service was found; events for
// unknown repositories are not persisted at all.
type WebhookEvent struct {
	ID          string
	ServiceID   string
	Provider    Provider
	EventType   string
	DeliveryID  string
	Payload     []byte
	Signature   string
	Processed   bool
	ProcessedAt *time.Time
	Error       string
	CreatedAt   time.Time
}

// PushEvent is the normalized push record produced by provider-specific
// payload parsing and consumed uniformly downstream.
type PushEvent struct {
	RepositoryURL  string
	RepoFullName   string
	Branch         string
	CommitSHA      string
	CommitMessage  string
	CommitAuthor   string
	InstallationID string
}
