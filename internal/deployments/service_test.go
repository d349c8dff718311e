package deployments

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/queue"
	"github.com/slipway-sh/slipway/internal/repository"
)

type fakeStore struct {
	service    *domain.Service
	deployment *domain.Deployment
	items      []*domain.BuildQueueItem
	resetCalls int
	resetShape domain.ResourceShape
}

func (f *fakeStore) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	if f.service != nil && f.service.ID == id {
		return f.service, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) FindServiceBySourceURL(ctx context.Context, candidates []string) (*domain.Service, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeStore) UpdateServiceImage(ctx context.Context, serviceID, image, tag string) error {
	return nil
}

func (f *fakeStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return nil
}

func (f *fakeStore) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	if f.deployment != nil && f.deployment.ID == id {
		copied := *f.deployment
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	return nil
}

func (f *fakeStore) ResetDeploymentForRetry(ctx context.Context, deploymentID string, shape domain.ResourceShape) error {
	f.resetCalls++
	f.resetShape = shape
	f.deployment.Status = domain.StatusPending
	f.deployment.BuildLogs = ""
	f.deployment.DeploymentLogs = ""
	f.deployment.StoppedAt = nil
	return nil
}

func (f *fakeStore) CreateBuildQueueItem(ctx context.Context, item *domain.BuildQueueItem) error {
	f.items = append(f.items, item)
	return nil
}

func (f *fakeStore) GetBuildQueueItemByID(ctx context.Context, id string) (*domain.BuildQueueItem, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeStore) MarkBuildStarted(ctx context.Context, id string, startedAt time.Time) error {
	return nil
}

func (f *fakeStore) MarkBuildFinished(ctx context.Context, id string, status domain.BuildStatus, finishedAt time.Time, duration time.Duration, errMsg string) error {
	return nil
}

type capturingProducer struct {
	payloads [][]byte
}

func (p *capturingProducer) Produce(ctx context.Context, payload []byte) error {
	p.payloads = append(p.payloads, payload)
	return nil
}

func fixture(status domain.DeploymentStatus) (*fakeStore, *capturingProducer, Service) {
	store := &fakeStore{
		service: &domain.Service{
			ID:          "svc-1",
			ProjectID:   "proj-1",
			WorkspaceID: "ws-1",
			SourceKind:  domain.SourceGit,
			RepoURL:     "https://github.com/acme/widgets.git",
			Branch:      "main",
			AutoDeploy:  true,
			Resources:   domain.ResourceShape{Port: 9090, Replicas: 3},
		},
		deployment: &domain.Deployment{
			ID:            "dep-1",
			ServiceID:     "svc-1",
			Status:        status,
			Branch:        "main",
			CommitSHA:     "0a1b2c3d4e5f60718293a4b5c6d7e8f901234567",
			CommitMessage: "fix widget alignment",
			CommitAuthor:  "jane",
			BuildLogs:     "old failure output",
		},
	}
	producer := &capturingProducer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return store, producer, New(store, store, store, producer, logger)
}

func TestRetryResetsAndEnqueues(t *testing.T) {
	store, producer, svc := fixture(domain.StatusFailed)

	updated, err := svc.Retry(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if updated.Status != domain.StatusPending {
		t.Errorf("status = %s, want PENDING", updated.Status)
	}
	if store.resetCalls != 1 {
		t.Fatalf("resetCalls = %d", store.resetCalls)
	}
	if store.resetShape.Port != 9090 || store.resetShape.Replicas != 3 {
		t.Errorf("reset shape = %+v, want service's current shape", store.resetShape)
	}
	if len(store.items) != 1 || store.items[0].Status != domain.BuildQueued {
		t.Fatalf("build items = %+v", store.items)
	}
	if len(producer.payloads) != 1 {
		t.Fatalf("enqueued %d jobs", len(producer.payloads))
	}
	job, err := queue.DecodeBuildJob(producer.payloads[0])
	if err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.DeploymentID != "dep-1" || job.BuildQueueID != store.items[0].ID {
		t.Errorf("job = %+v", job)
	}
	if job.CommitSHA != "0a1b2c3d4e5f60718293a4b5c6d7e8f901234567" || job.Branch != "main" {
		t.Errorf("job revision = %+v", job)
	}
}

func TestRetryRejectsNonFailed(t *testing.T) {
	for _, status := range []domain.DeploymentStatus{
		domain.StatusPending, domain.StatusBuilding, domain.StatusDeploying,
		domain.StatusRunning, domain.StatusStopped, domain.StatusCrashed,
	} {
		_, producer, svc := fixture(status)
		if _, err := svc.Retry(context.Background(), "dep-1"); !errors.Is(err, ErrNotRetryable) {
			t.Errorf("Retry from %s = %v, want ErrNotRetryable", status, err)
		}
		if len(producer.payloads) != 0 {
			t.Errorf("Retry from %s enqueued a job", status)
		}
	}
}

func TestRetryUnknownDeployment(t *testing.T) {
	_, _, svc := fixture(domain.StatusFailed)
	if _, err := svc.Retry(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
