package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/slipway-sh/slipway/internal/builder"
	"github.com/slipway-sh/slipway/internal/builder/docker"
	"github.com/slipway-sh/slipway/internal/builder/workspace"
	"github.com/slipway-sh/slipway/internal/config"
	"github.com/slipway-sh/slipway/internal/logger"
	"github.com/slipway-sh/slipway/internal/queue"
	"github.com/slipway-sh/slipway/internal/repository/postgres"
	"github.com/slipway-sh/slipway/internal/vcs/github"
	"github.com/slipway-sh/slipway/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadWorkerConfig()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("worker", level)

	if err := run(cfg, log); err != nil {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.WorkerConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	consumer := consumerName()
	buildQueue, err := queue.NewRedisQueue(ctx, rdb, cfg.BuildQueueTopic, consumer, log)
	if err != nil {
		return err
	}
	defer buildQueue.Close()
	deployQueue, err := queue.NewRedisQueue(ctx, rdb, cfg.DeployQueueTopic, consumer, log)
	if err != nil {
		return err
	}
	defer deployQueue.Close()

	images, err := docker.New(cfg.DockerHost)
	if err != nil {
		return err
	}
	defer images.Close()
	if err := images.Ping(ctx); err != nil {
		return err
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		return err
	}

	var tokens builder.TokenSource
	if cfg.GitHubAppID != "" {
		source, err := github.NewInstallationTokenSource(cfg.GitHubAppID, []byte(cfg.GitHubAppPrivateKey), cfg.GitHubAPIBaseURL)
		if err != nil {
			return err
		}
		tokens = source
	}

	repo := postgres.New(pool)
	executor := builder.NewExecutor(
		repo, repo, repo,
		images,
		builder.NewGitCloner(),
		workspaces,
		tokens,
		deployQueue,
		ws.NewPublisher(rdb, cfg.LogChannel, log),
		builder.ExecutorConfig{
			Registry: cfg.Registry,
			RegistryAuth: docker.RegistryAuth{
				Username: cfg.RegistryUser,
				Password: cfg.RegistryPass,
				Server:   cfg.Registry,
			},
			MaxLogBytes:  cfg.MaxLogBytes,
			GitTimeout:   cfg.GitTimeout,
			BuildTimeout: cfg.BuildTimeout,
		},
		log,
	)

	server := probeServer(cfg.Addr, pool, rdb)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("probe server stopped", "error", err)
		}
	}()

	log.Info("worker started",
		"consumer", consumer,
		"topic", cfg.BuildQueueTopic,
		"concurrency", cfg.Concurrency,
		"registry", cfg.Registry)

	workers := builder.NewPool(buildQueue, executor.Handle, cfg.Concurrency, log)
	workers.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("worker stopped")
	return nil
}

// probeServer exposes liveness and metrics for the worker process.
func probeServer(addr string, pool *pgxpool.Pool, rdb *redis.Client) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
