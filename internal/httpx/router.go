package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slipway-sh/slipway/internal/deployments"
	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/repository"
	"github.com/slipway-sh/slipway/internal/webhook"
	"github.com/slipway-sh/slipway/internal/ws"
)

const (
	maxWebhookBody = 5 << 20

	rateWindowDefault  = time.Minute
	rateLimitWebhook   = 300
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30

	healthCheckTimeout = 2 * time.Second
)

// Router wires the receiver's HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	webhooks    *webhook.Service
	deployments deployments.Service
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	dbHealth    func(context.Context) error
	redisHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	webhookResults     *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies. hub may be nil to disable
// log streaming; health probes may be nil.
func NewRouter(
	logger *slog.Logger,
	webhooks *webhook.Service,
	deploySvc deployments.Service,
	hub *ws.Hub,
	limiter RateLimiter,
	dbHealth func(context.Context) error,
	redisHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		webhooks:    webhooks,
		deployments: deploySvc,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		dbHealth:    dbHealth,
		redisHealth: redisHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhooks/github", r.instrument("/webhooks/github",
		r.withRateLimit(rateLimitWebhook, rateWindowDefault, r.handleGitHubWebhook)))
	r.mux.HandleFunc("/webhooks/gitlab", r.instrument("/webhooks/gitlab",
		r.withRateLimit(rateLimitWebhook, rateWindowDefault, r.handleGitLabWebhook)))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/",
		r.withRateLimit(rateLimitUserRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/ws/deployments/", r.instrument("/ws/deployments/",
		r.withRateLimit(rateLimitWebsocket, rateWindowDefault, r.handleLogsWS)))
}

func (r *Router) handleGitHubWebhook(w http.ResponseWriter, req *http.Request) {
	r.handleWebhook(w, req, domain.ProviderGitHub,
		req.Header.Get("X-GitHub-Event"),
		req.Header.Get("X-Hub-Signature-256"),
		req.Header.Get("X-GitHub-Delivery"))
}

func (r *Router) handleGitLabWebhook(w http.ResponseWriter, req *http.Request) {
	r.handleWebhook(w, req, domain.ProviderGitLab,
		req.Header.Get("X-Gitlab-Event"),
		req.Header.Get("X-Gitlab-Token"),
		req.Header.Get("X-Gitlab-Event-UUID"))
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request, provider domain.Provider, eventType, signature, deliveryID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	result, err := r.webhooks.HandlePush(req.Context(), provider, eventType, deliveryID, payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrMissingSignature), errors.Is(err, webhook.ErrMalformedPayload):
			r.recordWebhookResult(string(provider), "rejected")
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, webhook.ErrInvalidSignature):
			r.recordWebhookResult(string(provider), "unauthenticated")
			writeError(w, http.StatusUnauthorized, "invalid signature")
		default:
			r.logger.Error("webhook intake failed", "provider", provider, "error", err)
			r.recordWebhookResult(string(provider), "error")
			writeError(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}

	r.recordWebhookResult(string(provider), result.Status)
	body := map[string]any{"status": result.Status}
	if result.Reason != "" {
		body["reason"] = result.Reason
	}
	if result.Duplicate {
		body["duplicate"] = true
	}
	if result.DeploymentID != "" {
		body["deploymentId"] = result.DeploymentID
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDeployments serves GET /deployments/{id} and
// POST /deployments/{id}/retry.
func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleGetDeployment(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "retry":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleRetryDeployment(w, req, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, id string) {
	deployment, err := r.deployments.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		r.logger.Error("deployment lookup failed", "deployment_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "deployment lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, deploymentPayload(deployment))
}

func (r *Router) handleRetryDeployment(w http.ResponseWriter, req *http.Request, id string) {
	deployment, err := r.deployments.Retry(req.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			r.notFound(w)
		case errors.Is(err, deployments.ErrNotRetryable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			r.logger.Error("deployment retry failed", "deployment_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "deployment retry failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, deploymentPayload(deployment))
}

func deploymentPayload(d *domain.Deployment) map[string]any {
	payload := map[string]any{
		"id":         d.ID,
		"serviceId":  d.ServiceID,
		"status":     string(d.Status),
		"branch":     d.Branch,
		"commitSha":  d.CommitSHA,
		"commitMsg":  d.CommitMessage,
		"author":     d.CommitAuthor,
		"image":      d.Image,
		"imageTag":   d.ImageTag,
		"buildLogs":  d.BuildLogs,
		"createdAt":  d.CreatedAt.UTC().Format(time.RFC3339Nano),
		"deployLogs": d.DeploymentLogs,
	}
	if d.DeployedAt != nil {
		payload["deployedAt"] = d.DeployedAt.UTC().Format(time.RFC3339Nano)
	}
	if d.StoppedAt != nil {
		payload["stoppedAt"] = d.StoppedAt.UTC().Format(time.RFC3339Nano)
	}
	return payload
}

// handleLogsWS serves GET /ws/deployments/{id}/logs.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusNotImplemented, "log streaming disabled")
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/ws/deployments/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "logs" {
		r.notFound(w)
		return
	}
	deploymentID := parts[0]
	if _, err := r.deployments.Get(req.Context(), deploymentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "deployment lookup failed")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(deploymentID, client)
	go func() {
		defer func() {
			r.hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	probe := func(name string, check func(context.Context) error) {
		if check == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	probe("database", r.dbHealth)
	probe("redis", r.redisHealth)

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
