package repository

import (
	"context"
	"time"

	"github.com/slipway-sh/slipway/internal/domain"
)

// ServiceRepository reads service records owned by the project collaborator.
// The pipeline only writes image fields after a successful build.
type ServiceRepository interface {
	GetServiceByID(ctx context.Context, id string) (*domain.Service, error)
	// FindServiceBySourceURL matches any of the candidate URLs against
	// stored source URLs case-insensitively.
	FindServiceBySourceURL(ctx context.Context, candidates []string) (*domain.Service, error)
	UpdateServiceImage(ctx context.Context, serviceID, image, tag string) error
}

// DeploymentRepository stores build/run attempts.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	// ResetDeploymentForRetry moves a FAILED deployment back to PENDING,
	// clearing failure logs and stop timestamps and re-applying the
	// service's current resource shape.
	ResetDeploymentForRetry(ctx context.Context, deploymentID string, shape domain.ResourceShape) error
}

// BuildQueueRepository mirrors queued build attempts.
type BuildQueueRepository interface {
	CreateBuildQueueItem(ctx context.Context, item *domain.BuildQueueItem) error
	GetBuildQueueItemByID(ctx context.Context, id string) (*domain.BuildQueueItem, error)
	MarkBuildStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkBuildFinished(ctx context.Context, id string, status domain.BuildStatus, finishedAt time.Time, duration time.Duration, errMsg string) error
}

// WebhookEventRepository appends inbound delivery audit records.
type WebhookEventRepository interface {
	CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	GetWebhookEventByDelivery(ctx context.Context, provider domain.Provider, deliveryID string) (*domain.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id string, errMsg string) error
}
