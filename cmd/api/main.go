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
	redis "github.com/redis/go-redis/v9"

	"github.com/slipway-sh/slipway/internal/app/migrate"
	"github.com/slipway-sh/slipway/internal/config"
	"github.com/slipway-sh/slipway/internal/deployments"
	"github.com/slipway-sh/slipway/internal/httpx"
	"github.com/slipway-sh/slipway/internal/logger"
	"github.com/slipway-sh/slipway/internal/queue"
	"github.com/slipway-sh/slipway/internal/repository/postgres"
	"github.com/slipway-sh/slipway/internal/webhook"
	"github.com/slipway-sh/slipway/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadAPIConfig()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("api", level)

	if err := run(cfg, log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.APIConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		return err
	}
	if err := runner.Ping(ctx); err != nil {
		return err
	}
	if cfg.AutoMigrate {
		if err := runner.Ensure(ctx); err != nil {
			return err
		}
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

	buildQueue, err := queue.NewRedisQueue(ctx, rdb, cfg.BuildQueueTopic, "api", log)
	if err != nil {
		return err
	}
	defer buildQueue.Close()

	repo := postgres.New(pool)
	webhooks := webhook.NewService(repo, repo, repo, repo, buildQueue, webhook.Secrets{
		GitHubSecret: cfg.GitHubWebhookSecret,
		GitLabToken:  cfg.GitLabWebhookToken,
		CipherKey:    cfg.SecretCipherKey,
	}, log)
	deploySvc := deployments.New(repo, repo, repo, buildQueue, log)

	hub := ws.NewHub()
	relay := ws.NewRelay(rdb, cfg.LogChannel, hub, log)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("log relay stopped", "error", err)
		}
	}()

	var limiter httpx.RateLimiter
	if cfg.RateLimitRedisAddr != "" {
		limiter, err = httpx.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
			limiter = nil
		}
	}

	router := httpx.NewRouter(log, webhooks, deploySvc, hub, limiter,
		pool.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	)
	defer router.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", cfg.Addr, "env", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("api stopped")
	return nil
}
