package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/slipway-sh/slipway/internal/crypto"
	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/queue"
	"github.com/slipway-sh/slipway/internal/repository"
	"github.com/slipway-sh/slipway/internal/resolver"
)

const (
	StatusAccepted = "accepted"
	StatusIgnored  = "ignored"
)

// Secrets holds the provider-wide verification material. A service may
// override its provider secret with an encrypted per-service one.
type Secrets struct {
	// GitHubSecret is the HMAC key for push signatures. Empty skips
	// verification with a warning.
	GitHubSecret string
	// GitLabToken is the static shared token. Empty skips verification
	// with a warning.
	GitLabToken string
	// CipherKey decrypts per-service secret overrides.
	CipherKey string
}

// Result is the intake outcome returned to the provider.
type Result struct {
	Status       string
	Reason       string
	Duplicate    bool
	DeploymentID string
	BuildQueueID string
}

// Service implements webhook intake: authenticate, parse, route, gate, and
// enqueue. It never retries; providers redeliver on non-2xx responses.
type Service struct {
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	builds      repository.BuildQueueRepository
	events      repository.WebhookEventRepository
	resolver    resolver.Resolver
	buildQueue  queue.Producer
	secrets     Secrets
	logger      *slog.Logger
}

// NewService wires the intake pipeline.
func NewService(
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	builds repository.BuildQueueRepository,
	events repository.WebhookEventRepository,
	buildQueue queue.Producer,
	secrets Secrets,
	logger *slog.Logger,
) *Service {
	return &Service{
		services:    services,
		deployments: deployments,
		builds:      builds,
		events:      events,
		resolver:    resolver.New(services),
		buildQueue:  buildQueue,
		secrets:     secrets,
		logger:      logger,
	}
}

// IsPushEvent reports whether a provider event type is a branch push.
func IsPushEvent(provider domain.Provider, eventType string) bool {
	switch provider {
	case domain.ProviderGitHub:
		return eventType == "push"
	case domain.ProviderGitLab:
		return eventType == "Push Hook"
	}
	return false
}

// HandlePush runs the full intake algorithm for one delivery. Authentication
// and parse failures return ErrMissingSignature, ErrInvalidSignature, or
// ErrMalformedPayload for the HTTP layer to map; every business-level
// non-match returns an ignored Result with a nil error.
func (s *Service) HandlePush(ctx context.Context, provider domain.Provider, eventType, deliveryID string, payload []byte, signature string) (Result, error) {
	if !IsPushEvent(provider, eventType) {
		if err := s.verify(provider, payload, signature, ""); err != nil {
			return Result{}, err
		}
		s.logger.Debug("ignoring non-push event", "provider", provider, "event_type", eventType)
		return Result{Status: StatusIgnored, Reason: "event type not handled"}, nil
	}

	push, err := ParsePush(provider, payload)
	if err != nil {
		// An unparseable payload cannot resolve a service, so the
		// provider-wide secret is the only one that can apply. Verification
		// outranks the parse failure: a missing header stays a 400 and a
		// bad signature a 401, before malformed is ever reported.
		if sigErr := s.verify(provider, payload, signature, ""); sigErr != nil {
			return Result{}, sigErr
		}
		return Result{}, err
	}

	service, err := s.resolver.Resolve(ctx, push.RepositoryURL)
	if err != nil {
		return Result{}, fmt.Errorf("resolve service: %w", err)
	}

	if err := s.authenticate(provider, payload, signature, service); err != nil {
		return Result{}, err
	}

	if service == nil {
		s.logger.Info("push for unregistered repository",
			"provider", provider, "repository", push.RepositoryURL)
		return Result{Status: StatusIgnored, Reason: "no matching service"}, nil
	}

	if deliveryID != "" {
		prior, err := s.events.GetWebhookEventByDelivery(ctx, provider, deliveryID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return Result{}, fmt.Errorf("delivery lookup: %w", err)
		}
		if prior != nil {
			s.logger.Info("duplicate delivery, skipping",
				"provider", provider, "delivery_id", deliveryID, "service_id", service.ID)
			return Result{Status: StatusAccepted, Duplicate: true}, nil
		}
	}

	event := &domain.WebhookEvent{
		ID:         uuid.NewString(),
		ServiceID:  service.ID,
		Provider:   provider,
		EventType:  eventType,
		DeliveryID: deliveryID,
		Payload:    payload,
		Signature:  signature,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.events.CreateWebhookEvent(ctx, event); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race against a concurrent redelivery.
			return Result{Status: StatusAccepted, Duplicate: true}, nil
		}
		return Result{}, fmt.Errorf("persist webhook event: %w", err)
	}

	if reason := s.gate(service, push); reason != "" {
		if err := s.events.MarkWebhookProcessed(ctx, event.ID, ""); err != nil {
			s.logger.Warn("mark webhook processed failed", "event_id", event.ID, "error", err)
		}
		s.logger.Info("push gated, no build",
			"service_id", service.ID, "branch", push.Branch, "reason", reason)
		return Result{Status: StatusIgnored, Reason: reason}, nil
	}

	deployment, item, err := s.createBuild(ctx, service, push)
	if err != nil {
		if markErr := s.events.MarkWebhookProcessed(ctx, event.ID, err.Error()); markErr != nil {
			s.logger.Warn("mark webhook processed failed", "event_id", event.ID, "error", markErr)
		}
		return Result{}, err
	}

	if err := s.events.MarkWebhookProcessed(ctx, event.ID, ""); err != nil {
		s.logger.Warn("mark webhook processed failed", "event_id", event.ID, "error", err)
	}

	s.logger.Info("build enqueued",
		"service_id", service.ID,
		"deployment_id", deployment.ID,
		"branch", push.Branch,
		"commit", push.CommitSHA)
	return Result{
		Status:       StatusAccepted,
		DeploymentID: deployment.ID,
		BuildQueueID: item.ID,
	}, nil
}

// authenticate verifies the delivery against the service's secret override
// when one is configured, otherwise against the provider-wide secret.
func (s *Service) authenticate(provider domain.Provider, payload []byte, signature string, service *domain.Service) error {
	secret := ""
	if service != nil && len(service.WebhookSecret) > 0 {
		plain, err := crypto.DecryptToString(s.secrets.CipherKey, service.WebhookSecret)
		if err != nil {
			return fmt.Errorf("decrypt service webhook secret: %w", err)
		}
		secret = plain
	}
	return s.verify(provider, payload, signature, secret)
}

func (s *Service) verify(provider domain.Provider, payload []byte, signature, override string) error {
	secret := override
	if secret == "" {
		switch provider {
		case domain.ProviderGitHub:
			secret = s.secrets.GitHubSecret
		case domain.ProviderGitLab:
			secret = s.secrets.GitLabToken
		}
		if secret == "" && signature != "" {
			s.logger.Warn("no webhook secret configured, skipping verification", "provider", provider)
		}
	}
	if provider == domain.ProviderGitLab {
		return VerifyToken(signature, secret)
	}
	return VerifySignature(payload, signature, secret)
}

func (s *Service) gate(service *domain.Service, push domain.PushEvent) string {
	if !service.GitBacked() {
		return "service is not git-backed"
	}
	if !service.AutoDeploy {
		return "auto-deploy disabled"
	}
	if push.Branch != service.Branch {
		return "branch not tracked"
	}
	return ""
}

func (s *Service) createBuild(ctx context.Context, service *domain.Service, push domain.PushEvent) (*domain.Deployment, *domain.BuildQueueItem, error) {
	now := time.Now().UTC()
	shape := service.Resources
	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		ServiceID:     service.ID,
		Status:        domain.StatusPending,
		CommitSHA:     push.CommitSHA,
		CommitMessage: push.CommitMessage,
		CommitAuthor:  push.CommitAuthor,
		Branch:        push.Branch,
		Resources:     &shape,
		CreatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, nil, fmt.Errorf("create deployment: %w", err)
	}

	item := &domain.BuildQueueItem{
		ID:           uuid.NewString(),
		ServiceID:    service.ID,
		DeploymentID: deployment.ID,
		Status:       domain.BuildQueued,
		CreatedAt:    now,
	}
	if err := s.builds.CreateBuildQueueItem(ctx, item); err != nil {
		return nil, nil, fmt.Errorf("create build queue item: %w", err)
	}

	installation := push.InstallationID
	if installation == "" {
		installation = service.InstallationID
	}
	job := queue.BuildJob{
		BuildQueueID:   item.ID,
		ServiceID:      service.ID,
		ProjectID:      service.ProjectID,
		WorkspaceID:    service.WorkspaceID,
		DeploymentID:   deployment.ID,
		RepositoryURL:  service.RepoURL,
		Branch:         push.Branch,
		CommitSHA:      push.CommitSHA,
		CommitMessage:  push.CommitMessage,
		Author:         push.CommitAuthor,
		InstallationID: installation,
		RepoFullName:   push.RepoFullName,
	}
	raw, err := queue.Encode(job)
	if err != nil {
		return nil, nil, fmt.Errorf("encode build job: %w", err)
	}
	if err := s.buildQueue.Produce(ctx, raw); err != nil {
		return nil, nil, fmt.Errorf("enqueue build job: %w", err)
	}
	return deployment, item, nil
}
