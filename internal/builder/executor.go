package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/slipway-sh/slipway/internal/builder/docker"
	"github.com/slipway-sh/slipway/internal/builder/git"
	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/queue"
	"github.com/slipway-sh/slipway/internal/repository"
	"github.com/slipway-sh/slipway/internal/vcs/github"
)

// buildDescriptor is the file a repository must carry at its root to be
// buildable.
const buildDescriptor = "Dockerfile"

// ErrMissingDescriptor is a build-time error: the repository has no build
// descriptor at its root.
var ErrMissingDescriptor = errors.New("no Dockerfile found at repository root")

// ImageBuilder abstracts the container engine for tests.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
	PushImage(ctx context.Context, ref string, auth docker.RegistryAuth, onOutput docker.BuildOutputCallback) error
}

// Cloner abstracts git operations for tests.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch, dest string) error
	CheckoutCommit(ctx context.Context, dest, commitSHA string) error
}

// Workspaces abstracts per-build directory management.
type Workspaces interface {
	Prepare(repoName string) (string, error)
	Cleanup(path string) error
}

// TokenSource mints clone credentials for private repositories. Nil disables
// authenticated cloning.
type TokenSource interface {
	Token(ctx context.Context, installationID string) (string, error)
}

// LogPublisher relays build log lines to live subscribers. Best-effort; a
// nil publisher disables relaying.
type LogPublisher interface {
	Publish(ctx context.Context, deploymentID, line string)
}

// gitCloner is the production Cloner backed by the git binary.
type gitCloner struct{}

func (gitCloner) Clone(ctx context.Context, repoURL, branch, dest string) error {
	return git.Clone(ctx, repoURL, branch, dest)
}

func (gitCloner) CheckoutCommit(ctx context.Context, dest, commitSHA string) error {
	return git.CheckoutCommit(ctx, dest, commitSHA)
}

// NewGitCloner returns the exec-based production Cloner.
func NewGitCloner() Cloner {
	return gitCloner{}
}

// ExecutorConfig tunes one executor instance.
type ExecutorConfig struct {
	// Registry prefixes every image reference, e.g. "registry.slipway.sh".
	Registry     string
	RegistryAuth docker.RegistryAuth
	// MaxLogBytes caps the persisted build log.
	MaxLogBytes int
	// GitTimeout bounds clone plus checkout.
	GitTimeout time.Duration
	// BuildTimeout bounds image build plus push.
	BuildTimeout time.Duration
}

// Executor turns one build job into a published container image and advances
// the deployment through the build half of its lifecycle.
type Executor struct {
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	builds      repository.BuildQueueRepository
	images      ImageBuilder
	cloner      Cloner
	workspaces  Workspaces
	tokens      TokenSource
	deployQueue queue.Producer
	publisher   LogPublisher
	cfg         ExecutorConfig
	logger      *slog.Logger
	metrics     *metrics
	now         func() time.Time
}

// NewExecutor wires an executor. tokens and publisher may be nil.
func NewExecutor(
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	builds repository.BuildQueueRepository,
	images ImageBuilder,
	cloner Cloner,
	workspaces Workspaces,
	tokens TokenSource,
	deployQueue queue.Producer,
	publisher LogPublisher,
	cfg ExecutorConfig,
	logger *slog.Logger,
) *Executor {
	e := &Executor{
		services:    services,
		deployments: deployments,
		builds:      builds,
		images:      images,
		cloner:      cloner,
		workspaces:  workspaces,
		tokens:      tokens,
		deployQueue: deployQueue,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
		metrics:     &metrics{},
		now:         time.Now,
	}
	e.metrics.init()
	return e
}

// Handle is the queue.Handler for build jobs.
func (e *Executor) Handle(ctx context.Context, d queue.Delivery) error {
	job, err := queue.DecodeBuildJob(d.Payload)
	if err != nil {
		// A payload that cannot decode will never succeed; log and ack.
		e.logger.Error("discarding undecodable build job", "error", err)
		return nil
	}
	logger := e.logger.With(
		"deployment_id", job.DeploymentID,
		"build_queue_id", job.BuildQueueID,
		"attempt", d.Attempt)

	start := e.now()
	if err := e.markBuilding(ctx, job, start); err != nil {
		logger.Error("cannot start build", "error", err)
		return err
	}
	logger.Info("build started", "repository", job.RepositoryURL, "commit", job.CommitSHA)

	logs := NewLogBuffer(e.cfg.MaxLogBytes)
	image, tag, err := e.build(ctx, job, logs)
	duration := e.now().Sub(start)
	if err != nil {
		e.markFailed(ctx, job, logs, duration, err)
		e.metrics.recordBuild("failed", duration)
		logger.Error("build failed", "duration", duration, "error", err)
		return err
	}

	if err := e.markCompleted(ctx, job, image, tag, logs, duration); err != nil {
		logger.Error("persist build result failed", "error", err)
		return err
	}
	e.metrics.recordBuild("completed", duration)
	logger.Info("build completed", "image", image+":"+tag, "duration", duration)

	e.handoff(ctx, job, logger)
	return nil
}

// markBuilding claims the job: BuildQueueItem BUILDING plus Deployment
// BUILDING. A redelivered job finds its deployment FAILED from the prior
// attempt and takes the retry edge back through PENDING first.
func (e *Executor) markBuilding(ctx context.Context, job queue.BuildJob, start time.Time) error {
	deployment, err := e.deployments.GetDeploymentByID(ctx, job.DeploymentID)
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}
	status := deployment.Status
	if status == domain.StatusFailed {
		if err := e.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
			DeploymentID: job.DeploymentID,
			Status:       domain.StatusPending,
		}); err != nil {
			return fmt.Errorf("reset failed deployment: %w", err)
		}
		status = domain.StatusPending
	}
	if !domain.CanTransition(status, domain.StatusBuilding) {
		return fmt.Errorf("deployment %s is %s, cannot start building", job.DeploymentID, status)
	}
	if err := e.builds.MarkBuildStarted(ctx, job.BuildQueueID, start); err != nil {
		return fmt.Errorf("mark build started: %w", err)
	}
	if err := e.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: job.DeploymentID,
		Status:       domain.StatusBuilding,
	}); err != nil {
		return fmt.Errorf("mark deployment building: %w", err)
	}
	return nil
}

// build runs clone, descriptor check, image build, and push. It returns the
// image repository and tag on success.
func (e *Executor) build(ctx context.Context, job queue.BuildJob, logs *LogBuffer) (string, string, error) {
	cloneURL := job.RepositoryURL
	if job.InstallationID != "" && e.tokens != nil {
		token, err := e.tokens.Token(ctx, job.InstallationID)
		if err != nil {
			return "", "", fmt.Errorf("mint clone credential: %w", err)
		}
		cloneURL, err = github.CloneURL(job.RepositoryURL, token)
		if err != nil {
			return "", "", err
		}
	}

	workdir, err := e.workspaces.Prepare(workspaceName(job))
	if err != nil {
		return "", "", fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := e.workspaces.Cleanup(workdir); err != nil {
			e.logger.Warn("workspace cleanup failed", "dir", workdir, "error", err)
		}
	}()

	gitCtx := ctx
	if e.cfg.GitTimeout > 0 {
		var cancel context.CancelFunc
		gitCtx, cancel = context.WithTimeout(ctx, e.cfg.GitTimeout)
		defer cancel()
	}
	if err := e.cloner.Clone(gitCtx, cloneURL, job.Branch, workdir); err != nil {
		return "", "", err
	}
	if err := e.cloner.CheckoutCommit(gitCtx, workdir, job.CommitSHA); err != nil {
		return "", "", err
	}

	if _, err := os.Stat(filepath.Join(workdir, buildDescriptor)); err != nil {
		return "", "", ErrMissingDescriptor
	}

	image := imageRepository(e.cfg.Registry, job.ProjectID)
	tag := imageTag(job.CommitSHA)
	ref := image + ":" + tag

	buildCtx := ctx
	if e.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, e.cfg.BuildTimeout)
		defer cancel()
	}
	onOutput := e.outputSink(ctx, job.DeploymentID, logs)
	if err := e.images.BuildImage(buildCtx, workdir, ref, nil, onOutput); err != nil {
		return "", "", err
	}
	if err := e.images.PushImage(buildCtx, ref, e.cfg.RegistryAuth, onOutput); err != nil {
		return "", "", err
	}
	return image, tag, nil
}

func (e *Executor) outputSink(ctx context.Context, deploymentID string, logs *LogBuffer) docker.BuildOutputCallback {
	return func(line string) {
		logs.WriteLine(line)
		if e.publisher != nil {
			e.publisher.Publish(ctx, deploymentID, line)
		}
	}
}

func (e *Executor) markCompleted(ctx context.Context, job queue.BuildJob, image, tag string, logs *LogBuffer, duration time.Duration) error {
	if err := e.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: job.DeploymentID,
		Status:       domain.StatusDeploying,
		Image:        image,
		ImageTag:     tag,
		BuildLogs:    logs.String(),
	}); err != nil {
		return fmt.Errorf("mark deployment deploying: %w", err)
	}
	if err := e.services.UpdateServiceImage(ctx, job.ServiceID, image, tag); err != nil {
		e.logger.Warn("update service image failed", "service_id", job.ServiceID, "error", err)
	}
	if err := e.builds.MarkBuildFinished(ctx, job.BuildQueueID, domain.BuildCompleted, e.now(), duration, ""); err != nil {
		return fmt.Errorf("mark build completed: %w", err)
	}
	return nil
}

// markFailed records the failure on both the deployment and the queue item
// before the error is re-raised for the broker's retry accounting.
func (e *Executor) markFailed(ctx context.Context, job queue.BuildJob, logs *LogBuffer, duration time.Duration, cause error) {
	logs.WriteLine("ERROR: " + cause.Error())
	if err := e.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: job.DeploymentID,
		Status:       domain.StatusFailed,
		BuildLogs:    logs.String(),
		Error:        cause.Error(),
	}); err != nil {
		e.logger.Error("mark deployment failed errored", "deployment_id", job.DeploymentID, "error", err)
	}
	if err := e.builds.MarkBuildFinished(ctx, job.BuildQueueID, domain.BuildFailed, e.now(), duration, cause.Error()); err != nil {
		e.logger.Error("mark build failed errored", "build_queue_id", job.BuildQueueID, "error", err)
	}
}

// handoff enqueues the deploy job. Best-effort: the build already succeeded,
// so a handoff failure is logged and counted but never fails the job.
func (e *Executor) handoff(ctx context.Context, job queue.BuildJob, logger *slog.Logger) {
	payload, err := queue.Encode(queue.DeployJob{
		DeploymentID: job.DeploymentID,
		ProjectID:    job.ProjectID,
		WorkspaceID:  job.WorkspaceID,
	})
	if err == nil {
		err = e.deployQueue.Produce(ctx, payload)
	}
	if err != nil {
		e.metrics.recordHandoffFailure()
		logger.Warn("deploy handoff failed", "error", err)
	}
}

func workspaceName(job queue.BuildJob) string {
	if job.RepoFullName != "" {
		return job.RepoFullName
	}
	return job.RepositoryURL
}

// imageRepository is "<registry>/<lowercase project id>".
func imageRepository(registry, projectID string) string {
	repo := strings.ToLower(projectID)
	if registry == "" {
		return repo
	}
	return strings.TrimSuffix(registry, "/") + "/" + repo
}

// imageTag is the first 7 hex characters of the commit sha.
func imageTag(commitSHA string) string {
	sha := strings.ToLower(commitSHA)
	if len(sha) > 7 {
		sha = sha[:7]
	}
	if sha == "" {
		return "latest"
	}
	return sha
}
