package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ServiceRepository      = (*Repository)(nil)
	_ repository.DeploymentRepository   = (*Repository)(nil)
	_ repository.BuildQueueRepository   = (*Repository)(nil)
	_ repository.WebhookEventRepository = (*Repository)(nil)
)

const serviceColumns = `id, project_id, workspace_id, name, source_kind, repo_url, branch,
	installation_id, image, image_tag, webhook_secret, auto_deploy,
	cpu_request, cpu_limit, memory_request, memory_limit, port, health_path, replicas,
	created_at, updated_at`

// GetServiceByID fetches a service record.
func (r *Repository) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	return r.scanService(r.pool.QueryRow(ctx, query, id))
}

// FindServiceBySourceURL matches candidate clone URLs case-insensitively
// against stored source URLs.
func (r *Repository) FindServiceBySourceURL(ctx context.Context, candidates []string) (*domain.Service, error) {
	if len(candidates) == 0 {
		return nil, repository.ErrNotFound
	}
	query := `SELECT ` + serviceColumns + ` FROM services
		WHERE source_kind = 'git' AND LOWER(repo_url) = ANY($1)
		LIMIT 1`
	lowered := make([]string, 0, len(candidates))
	for _, c := range candidates {
		lowered = append(lowered, strings.ToLower(c))
	}
	return r.scanService(r.pool.QueryRow(ctx, query, lowered))
}

// UpdateServiceImage records the image produced by a successful build.
func (r *Repository) UpdateServiceImage(ctx context.Context, serviceID, image, tag string) error {
	const query = `UPDATE services SET image = $2, image_tag = $3, updated_at = NOW() WHERE id = $1`
	tag64, err := r.pool.Exec(ctx, query, serviceID, image, tag)
	if err != nil {
		return err
	}
	if tag64.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) scanService(row pgx.Row) (*domain.Service, error) {
	var (
		s              domain.Service
		repoURL        sql.NullString
		branch         sql.NullString
		installationID sql.NullString
		image          sql.NullString
		imageTag       sql.NullString
		secret         []byte
	)
	err := row.Scan(
		&s.ID, &s.ProjectID, &s.WorkspaceID, &s.Name, &s.SourceKind,
		&repoURL, &branch, &installationID, &image, &imageTag, &secret, &s.AutoDeploy,
		&s.Resources.CPURequest, &s.Resources.CPULimit,
		&s.Resources.MemoryRequest, &s.Resources.MemoryLimit,
		&s.Resources.Port, &s.Resources.HealthPath, &s.Resources.Replicas,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.RepoURL = repoURL.String
	s.Branch = branch.String
	s.InstallationID = installationID.String
	s.Image = image.String
	s.ImageTag = imageTag.String
	if len(secret) > 0 {
		s.WebhookSecret = append([]byte(nil), secret...)
	}
	return &s, nil
}

// CreateDeployment inserts a deployment in its initial state.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (
			id, service_id, status, commit_sha, commit_message, commit_author, branch,
			image, image_tag, build_logs, deployment_logs,
			cpu_request, cpu_limit, memory_request, memory_limit, port, health_path, replicas,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	var (
		cpuReq, cpuLim, memReq, memLim, healthPath any
		port, replicas                             any
	)
	if res := d.Resources; res != nil {
		cpuReq, cpuLim = nilIfEmpty(res.CPURequest), nilIfEmpty(res.CPULimit)
		memReq, memLim = nilIfEmpty(res.MemoryRequest), nilIfEmpty(res.MemoryLimit)
		healthPath = nilIfEmpty(res.HealthPath)
		port, replicas = intToNil(res.Port), intToNil(res.Replicas)
	}
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.ServiceID, d.Status,
		nilIfEmpty(d.CommitSHA), nilIfEmpty(d.CommitMessage), nilIfEmpty(d.CommitAuthor), nilIfEmpty(d.Branch),
		nilIfEmpty(d.Image), nilIfEmpty(d.ImageTag), d.BuildLogs, d.DeploymentLogs,
		cpuReq, cpuLim, memReq, memLim, port, healthPath, replicas,
		d.CreatedAt,
	)
	return mapPgError(err)
}

const deploymentColumns = `id, service_id, status, commit_sha, commit_message, commit_author, branch,
	image, image_tag, build_logs, deployment_logs,
	cpu_request, cpu_limit, memory_request, memory_limit, port, health_path, replicas,
	created_at, deployed_at, stopped_at`

// GetDeploymentByID fetches one deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var (
		d                              domain.Deployment
		sha, msg, author, branch       sql.NullString
		image, imageTag                sql.NullString
		cpuReq, cpuLim, memReq, memLim sql.NullString
		healthPath                     sql.NullString
		port, replicas                 sql.NullInt32
		deployedAt, stoppedAt          sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.ServiceID, &d.Status, &sha, &msg, &author, &branch,
		&image, &imageTag, &d.BuildLogs, &d.DeploymentLogs,
		&cpuReq, &cpuLim, &memReq, &memLim, &port, &healthPath, &replicas,
		&d.CreatedAt, &deployedAt, &stoppedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.CommitSHA, d.CommitMessage, d.CommitAuthor, d.Branch = sha.String, msg.String, author.String, branch.String
	d.Image, d.ImageTag = image.String, imageTag.String
	if cpuReq.Valid || memReq.Valid || port.Valid {
		d.Resources = &domain.ResourceShape{
			CPURequest:    cpuReq.String,
			CPULimit:      cpuLim.String,
			MemoryRequest: memReq.String,
			MemoryLimit:   memLim.String,
			Port:          int(port.Int32),
			HealthPath:    healthPath.String,
			Replicas:      int(replicas.Int32),
		}
	}
	if deployedAt.Valid {
		value := deployedAt.Time.UTC()
		d.DeployedAt = &value
	}
	if stoppedAt.Valid {
		value := stoppedAt.Time.UTC()
		d.StoppedAt = &value
	}
	return &d, nil
}

// UpdateDeploymentStatus applies a partial status update.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments SET
			status = $2,
			image = COALESCE($3, image),
			image_tag = COALESCE($4, image_tag),
			build_logs = CASE WHEN $5 <> '' THEN $5 ELSE build_logs END,
			deployment_logs = CASE WHEN $6 <> '' THEN deployment_logs || $6 ELSE deployment_logs END,
			deployed_at = COALESCE($7, deployed_at),
			stopped_at = COALESCE($8, stopped_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.Status,
		nilIfEmpty(update.Image),
		nilIfEmpty(update.ImageTag),
		update.BuildLogs,
		update.Error,
		timePtrToNil(update.DeployedAt),
		timePtrToNil(update.StoppedAt),
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ResetDeploymentForRetry moves a FAILED deployment back to PENDING with the
// service's current resource shape, clearing failure state.
func (r *Repository) ResetDeploymentForRetry(ctx context.Context, deploymentID string, shape domain.ResourceShape) error {
	const query = `UPDATE deployments SET
			status = $2,
			build_logs = '',
			deployment_logs = '',
			stopped_at = NULL,
			deployed_at = NULL,
			cpu_request = $3, cpu_limit = $4,
			memory_request = $5, memory_limit = $6,
			port = $7, health_path = $8, replicas = $9
		WHERE id = $1 AND status = $10`
	tag, err := r.pool.Exec(ctx, query, deploymentID, domain.StatusPending,
		nilIfEmpty(shape.CPURequest), nilIfEmpty(shape.CPULimit),
		nilIfEmpty(shape.MemoryRequest), nilIfEmpty(shape.MemoryLimit),
		intToNil(shape.Port), nilIfEmpty(shape.HealthPath), intToNil(shape.Replicas),
		domain.StatusFailed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateBuildQueueItem inserts a queued build attempt.
func (r *Repository) CreateBuildQueueItem(ctx context.Context, item *domain.BuildQueueItem) error {
	const query = `INSERT INTO build_queue_items (id, service_id, deployment_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, item.ID, item.ServiceID, item.DeploymentID, item.Status, item.CreatedAt)
	return mapPgError(err)
}

// GetBuildQueueItemByID fetches one build queue row.
func (r *Repository) GetBuildQueueItemByID(ctx context.Context, id string) (*domain.BuildQueueItem, error) {
	const query = `SELECT id, service_id, deployment_id, status, started_at, finished_at,
			duration_ms, error, created_at
		FROM build_queue_items WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var (
		item                  domain.BuildQueueItem
		startedAt, finishedAt sql.NullTime
		durationMS            sql.NullInt64
		errMsg                sql.NullString
	)
	err := row.Scan(&item.ID, &item.ServiceID, &item.DeploymentID, &item.Status,
		&startedAt, &finishedAt, &durationMS, &errMsg, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if startedAt.Valid {
		value := startedAt.Time.UTC()
		item.StartedAt = &value
	}
	if finishedAt.Valid {
		value := finishedAt.Time.UTC()
		item.FinishedAt = &value
	}
	if durationMS.Valid {
		item.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	}
	item.Error = errMsg.String
	return &item, nil
}

// MarkBuildStarted records the moment a worker claimed the build.
func (r *Repository) MarkBuildStarted(ctx context.Context, id string, startedAt time.Time) error {
	const query = `UPDATE build_queue_items SET status = $2, started_at = $3, error = NULL WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, domain.BuildBuilding, startedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkBuildFinished records a terminal build outcome with its duration.
func (r *Repository) MarkBuildFinished(ctx context.Context, id string, status domain.BuildStatus, finishedAt time.Time, duration time.Duration, errMsg string) error {
	const query = `UPDATE build_queue_items SET status = $2, finished_at = $3, duration_ms = $4, error = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status, finishedAt, duration.Milliseconds(), nilIfEmpty(errMsg))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateWebhookEvent appends an inbound delivery audit record.
func (r *Repository) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `INSERT INTO webhook_events (id, service_id, provider, event_type, delivery_id,
			payload, signature, processed, processed_at, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.pool.Exec(ctx, query,
		event.ID, event.ServiceID, event.Provider, event.EventType, nilIfEmpty(event.DeliveryID),
		event.Payload, nilIfEmpty(event.Signature), event.Processed,
		timePtrToNil(event.ProcessedAt), nilIfEmpty(event.Error), event.CreatedAt,
	)
	return mapPgError(err)
}

// GetWebhookEventByDelivery looks up a prior delivery for redelivery dedupe.
func (r *Repository) GetWebhookEventByDelivery(ctx context.Context, provider domain.Provider, deliveryID string) (*domain.WebhookEvent, error) {
	const query = `SELECT id, service_id, provider, event_type, delivery_id, payload, signature,
			processed, processed_at, error, created_at
		FROM webhook_events WHERE provider = $1 AND delivery_id = $2`
	row := r.pool.QueryRow(ctx, query, provider, deliveryID)
	var (
		e                        domain.WebhookEvent
		deliveryCol, sig, errMsg sql.NullString
		processedAt              sql.NullTime
	)
	err := row.Scan(&e.ID, &e.ServiceID, &e.Provider, &e.EventType, &deliveryCol,
		&e.Payload, &sig, &e.Processed, &processedAt, &errMsg, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	e.DeliveryID, e.Signature, e.Error = deliveryCol.String, sig.String, errMsg.String
	if processedAt.Valid {
		value := processedAt.Time.UTC()
		e.ProcessedAt = &value
	}
	return &e, nil
}

// MarkWebhookProcessed finalizes the audit record for a delivery.
func (r *Repository) MarkWebhookProcessed(ctx context.Context, id string, errMsg string) error {
	const query = `UPDATE webhook_events SET processed = TRUE, processed_at = NOW(), error = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, nilIfEmpty(errMsg))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrDuplicate
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func intToNil(value int) any {
	if value == 0 {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
