package domain

import (
	"strings"
	"time"
)

// SourceKind distinguishes how a service's container image is produced.
type SourceKind string

const (
	// SourceGit services are built from a repository on every qualifying push.
	SourceGit SourceKind = "git"
	// SourceImage services reference a prebuilt image and are never built here.
	SourceImage SourceKind = "image"
)

// ResourceShape is the default runtime footprint applied to deployments.
type ResourceShape struct {
	CPURequest    string `json:"cpuRequest"`
	CPULimit      string `json:"cpuLimit"`
	MemoryRequest string `json:"memoryRequest"`
	MemoryLimit   string `json:"memoryLimit"`
	Port          int    `json:"port"`
	HealthPath    string `json:"healthPath"`
	Replicas      int    `json:"replicas"`
}

// Service is a deployable unit owned by a project. A service has exactly one
// source kind: either git-backed (RepoURL/Branch set) or a static image.
type Service struct {
	ID          string
	ProjectID   string
	WorkspaceID string
	Name        string

	SourceKind     SourceKind
	RepoURL        string
	Branch         string
	InstallationID string
	Image          string
	ImageTag       string

	// WebhookSecret optionally overrides the provider-wide shared secret,
	// stored AES-GCM encrypted.
	WebhookSecret []byte

	AutoDeploy bool
	Resources  ResourceShape

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GitBacked reports whether the service builds from source control.
func (s *Service) GitBacked() bool {
	return s.SourceKind == SourceGit && strings.TrimSpace(s.RepoURL) != ""
}
