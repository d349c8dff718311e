package deployments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/queue"
	"github.com/slipway-sh/slipway/internal/repository"
)

// ErrNotRetryable means the deployment is not in FAILED, the only state the
// retry edge leaves from.
var ErrNotRetryable = errors.New("deployment is not in a retryable state")

// Service exposes read and administrative operations on deployments.
type Service struct {
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	builds      repository.BuildQueueRepository
	buildQueue  queue.Producer
	logger      *slog.Logger
}

// New wires the deployment service.
func New(
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	builds repository.BuildQueueRepository,
	buildQueue queue.Producer,
	logger *slog.Logger,
) Service {
	return Service{
		services:    services,
		deployments: deployments,
		builds:      builds,
		buildQueue:  buildQueue,
		logger:      logger,
	}
}

// Get returns one deployment.
func (s Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, id)
}

// Retry resets a FAILED deployment to PENDING with today's service
// configuration and enqueues a fresh build attempt.
func (s Service) Retry(ctx context.Context, id string) (*domain.Deployment, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if deployment.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, deployment.Status)
	}
	service, err := s.services.GetServiceByID(ctx, deployment.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("load owning service: %w", err)
	}
	if !service.GitBacked() {
		return nil, fmt.Errorf("%w: service has no git source", ErrNotRetryable)
	}

	if err := s.deployments.ResetDeploymentForRetry(ctx, id, service.Resources); err != nil {
		return nil, err
	}

	item := &domain.BuildQueueItem{
		ID:           uuid.NewString(),
		ServiceID:    service.ID,
		DeploymentID: deployment.ID,
		Status:       domain.BuildQueued,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.builds.CreateBuildQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create build queue item: %w", err)
	}

	job := queue.BuildJob{
		BuildQueueID:   item.ID,
		ServiceID:      service.ID,
		ProjectID:      service.ProjectID,
		WorkspaceID:    service.WorkspaceID,
		DeploymentID:   deployment.ID,
		RepositoryURL:  service.RepoURL,
		Branch:         deployment.Branch,
		CommitSHA:      deployment.CommitSHA,
		CommitMessage:  deployment.CommitMessage,
		Author:         deployment.CommitAuthor,
		InstallationID: service.InstallationID,
	}
	raw, err := queue.Encode(job)
	if err != nil {
		return nil, fmt.Errorf("encode build job: %w", err)
	}
	if err := s.buildQueue.Produce(ctx, raw); err != nil {
		return nil, fmt.Errorf("enqueue build job: %w", err)
	}

	s.logger.Info("deployment retry enqueued",
		"deployment_id", deployment.ID, "build_queue_id", item.ID)
	return s.deployments.GetDeploymentByID(ctx, id)
}
