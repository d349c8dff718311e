package httpx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/slipway-sh/slipway/internal/deployments"
	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/repository"
	"github.com/slipway-sh/slipway/internal/webhook"
)

const testSecret = "hook-secret"

const pushPayload = `{
	"ref": "refs/heads/main",
	"repository": {
		"clone_url": "https://github.com/acme/widgets.git",
		"full_name": "acme/widgets"
	},
	"head_commit": {
		"id": "0a1b2c3d4e5f60718293a4b5c6d7e8f901234567",
		"message": "fix widget alignment",
		"author": {"name": "Jane Doe"}
	}
}`

type routerStore struct {
	service     *domain.Service
	deployments map[string]*domain.Deployment
	items       map[string]*domain.BuildQueueItem
	events      map[string]*domain.WebhookEvent
	byDelivery  map[string]*domain.WebhookEvent
}

func newRouterStore(service *domain.Service) *routerStore {
	return &routerStore{
		service:     service,
		deployments: map[string]*domain.Deployment{},
		items:       map[string]*domain.BuildQueueItem{},
		events:      map[string]*domain.WebhookEvent{},
		byDelivery:  map[string]*domain.WebhookEvent{},
	}
}

func (s *routerStore) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	if s.service != nil && s.service.ID == id {
		return s.service, nil
	}
	return nil, repository.ErrNotFound
}

func (s *routerStore) FindServiceBySourceURL(ctx context.Context, candidates []string) (*domain.Service, error) {
	if s.service == nil {
		return nil, repository.ErrNotFound
	}
	stored := strings.ToLower(s.service.RepoURL)
	for _, c := range candidates {
		if strings.ToLower(c) == stored {
			return s.service, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *routerStore) UpdateServiceImage(ctx context.Context, serviceID, image, tag string) error {
	return nil
}

func (s *routerStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	s.deployments[d.ID] = d
	return nil
}

func (s *routerStore) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	if d, ok := s.deployments[id]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (s *routerStore) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	if d, ok := s.deployments[update.DeploymentID]; ok {
		d.Status = update.Status
	}
	return nil
}

func (s *routerStore) ResetDeploymentForRetry(ctx context.Context, deploymentID string, shape domain.ResourceShape) error {
	d, ok := s.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = domain.StatusPending
	d.BuildLogs = ""
	d.StoppedAt = nil
	return nil
}

func (s *routerStore) CreateBuildQueueItem(ctx context.Context, item *domain.BuildQueueItem) error {
	s.items[item.ID] = item
	return nil
}

func (s *routerStore) GetBuildQueueItemByID(ctx context.Context, id string) (*domain.BuildQueueItem, error) {
	if item, ok := s.items[id]; ok {
		return item, nil
	}
	return nil, repository.ErrNotFound
}

func (s *routerStore) MarkBuildStarted(ctx context.Context, id string, startedAt time.Time) error {
	return nil
}

func (s *routerStore) MarkBuildFinished(ctx context.Context, id string, status domain.BuildStatus, finishedAt time.Time, duration time.Duration, errMsg string) error {
	return nil
}

func (s *routerStore) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	if event.DeliveryID != "" {
		key := string(event.Provider) + "/" + event.DeliveryID
		if _, exists := s.byDelivery[key]; exists {
			return repository.ErrDuplicate
		}
		s.byDelivery[key] = event
	}
	s.events[event.ID] = event
	return nil
}

func (s *routerStore) GetWebhookEventByDelivery(ctx context.Context, provider domain.Provider, deliveryID string) (*domain.WebhookEvent, error) {
	if event, ok := s.byDelivery[string(provider)+"/"+deliveryID]; ok {
		return event, nil
	}
	return nil, repository.ErrNotFound
}

func (s *routerStore) MarkWebhookProcessed(ctx context.Context, id string, errMsg string) error {
	if event, ok := s.events[id]; ok {
		event.Processed = true
		event.Error = errMsg
	}
	return nil
}

type nopProducer struct{}

func (nopProducer) Produce(ctx context.Context, payload []byte) error { return nil }

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestRouter(t *testing.T, store *routerStore) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	webhooks := webhook.NewService(store, store, store, store, nopProducer{},
		webhook.Secrets{GitHubSecret: testSecret, GitLabToken: "tok-123"}, logger)
	deploySvc := deployments.New(store, store, store, nopProducer{}, logger)
	router := NewRouter(logger, webhooks, deploySvc, nil, nil, nil, nil)
	t.Cleanup(router.Close)
	return router
}

func gitService() *domain.Service {
	return &domain.Service{
		ID:         "svc-1",
		ProjectID:  "proj-1",
		SourceKind: domain.SourceGit,
		RepoURL:    "https://github.com/acme/widgets.git",
		Branch:     "main",
		AutoDeploy: true,
	}
}

func postWebhook(router *Router, path, event, signature, delivery, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.10:54321"
	if strings.Contains(path, "github") {
		req.Header.Set("X-GitHub-Event", event)
		req.Header.Set("X-Hub-Signature-256", signature)
		req.Header.Set("X-GitHub-Delivery", delivery)
	} else {
		req.Header.Set("X-Gitlab-Event", event)
		req.Header.Set("X-Gitlab-Token", signature)
		req.Header.Set("X-Gitlab-Event-UUID", delivery)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAccepted(t *testing.T) {
	store := newRouterStore(gitService())
	router := newTestRouter(t, store)

	rec := postWebhook(router, "/webhooks/github", "push", sign(testSecret, []byte(pushPayload)), "d-1", pushPayload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "accepted" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["deploymentId"] == "" || body["deploymentId"] == nil {
		t.Errorf("missing deploymentId in %v", body)
	}
	if len(store.deployments) != 1 {
		t.Errorf("deployments persisted = %d", len(store.deployments))
	}
}

func TestWebhookInvalidSignatureIs401(t *testing.T) {
	store := newRouterStore(gitService())
	router := newTestRouter(t, store)

	rec := postWebhook(router, "/webhooks/github", "push", sign("wrong", []byte(pushPayload)), "d-1", pushPayload)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(store.events) != 0 {
		t.Error("rejected delivery must not be persisted")
	}
}

func TestWebhookMissingSignatureIs400(t *testing.T) {
	router := newTestRouter(t, newRouterStore(gitService()))
	rec := postWebhook(router, "/webhooks/github", "push", "", "d-1", pushPayload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookMalformedPayloadIs400(t *testing.T) {
	router := newTestRouter(t, newRouterStore(gitService()))
	body := `{"ref":"refs/heads/main"}`
	rec := postWebhook(router, "/webhooks/github", "push", sign(testSecret, []byte(body)), "d-1", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookBranchMismatchIgnored(t *testing.T) {
	service := gitService()
	service.Branch = "release"
	store := newRouterStore(service)
	router := newTestRouter(t, store)

	rec := postWebhook(router, "/webhooks/github", "push", sign(testSecret, []byte(pushPayload)), "d-1", pushPayload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ignored" {
		t.Errorf("status field = %v", body["status"])
	}
	if len(store.deployments) != 0 {
		t.Error("no deployment expected for non-tracked branch")
	}
}

func TestWebhookGitLabTokenFlow(t *testing.T) {
	service := gitService()
	service.RepoURL = "https://gitlab.com/acme/widgets.git"
	store := newRouterStore(service)
	router := newTestRouter(t, store)

	payload := `{
		"ref": "refs/heads/main",
		"checkout_sha": "0a1b2c3d4e5f60718293a4b5c6d7e8f901234567",
		"user_name": "Jane",
		"project": {"git_http_url": "https://gitlab.com/acme/widgets.git", "path_with_namespace": "acme/widgets"},
		"commits": []
	}`
	rec := postWebhook(router, "/webhooks/gitlab", "Push Hook", "tok-123", "uuid-1", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = postWebhook(router, "/webhooks/gitlab", "Push Hook", "bad-token", "uuid-2", payload)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	store := newRouterStore(gitService())
	router := newTestRouter(t, store)
	signature := sign(testSecret, []byte(pushPayload))

	if rec := postWebhook(router, "/webhooks/github", "push", signature, "dup-1", pushPayload); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", rec.Code)
	}
	rec := postWebhook(router, "/webhooks/github", "push", signature, "dup-1", pushPayload)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["duplicate"] != true {
		t.Errorf("redelivery body = %v, want duplicate true", body)
	}
	if len(store.deployments) != 1 {
		t.Errorf("deployments = %d, want 1", len(store.deployments))
	}
}

func TestGetDeployment(t *testing.T) {
	store := newRouterStore(gitService())
	store.deployments["dep-1"] = &domain.Deployment{
		ID:        "dep-1",
		ServiceID: "svc-1",
		Status:    domain.StatusRunning,
		CommitSHA: "0a1b2c3",
		CreatedAt: time.Now(),
	}
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodGet, "/deployments/dep-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["id"] != "dep-1" || body["status"] != "RUNNING" {
		t.Errorf("body = %v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/deployments/missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing deployment status = %d, want 404", rec.Code)
	}
}

func TestRetryDeployment(t *testing.T) {
	store := newRouterStore(gitService())
	store.deployments["dep-1"] = &domain.Deployment{
		ID:        "dep-1",
		ServiceID: "svc-1",
		Status:    domain.StatusFailed,
		Branch:    "main",
		CommitSHA: "0a1b2c3d4e5f60718293a4b5c6d7e8f901234567",
	}
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/deployments/dep-1/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "PENDING" {
		t.Errorf("status after retry = %v", body["status"])
	}

	// A second retry finds the deployment PENDING and must refuse.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deployments/dep-1/retry", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry of PENDING status = %d, want 409", rec.Code)
	}
}

func TestHealthzDegraded(t *testing.T) {
	store := newRouterStore(gitService())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	webhooks := webhook.NewService(store, store, store, store, nopProducer{}, webhook.Secrets{}, logger)
	deploySvc := deployments.New(store, store, store, nopProducer{}, logger)
	router := NewRouter(logger, webhooks, deploySvc, nil, nil,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return errors.New("connection refused") })
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("body = %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router := newTestRouter(t, newRouterStore(gitService()))
	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestMemoryRateLimiter(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("ip:203.0.113.10", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}
	if d := rl.Allow("ip:203.0.113.10", 3, time.Minute); d.allowed {
		t.Fatal("fourth request should be limited")
	}
	if d := rl.Allow("ip:198.51.100.7", 3, time.Minute); !d.allowed {
		t.Fatal("distinct key should not be limited")
	}
}
