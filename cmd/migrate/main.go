package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/slipway-sh/slipway/internal/app/migrate"
	"github.com/slipway-sh/slipway/internal/config"
	"github.com/slipway-sh/slipway/internal/logger"
)

func main() {
	_ = godotenv.Load()

	var (
		target  = flag.Int64("target", 0, "target version for down migrations (0 rolls back one)")
		timeout = flag.Duration("timeout", 2*time.Minute, "overall command timeout")
	)
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	log := logger.New("migrate", slog.LevelInfo)
	cfg := config.LoadAPIConfig()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("cannot connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("cannot initialize migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Ping(ctx); err != nil {
		log.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	switch command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		fmt.Fprintf(os.Stderr, "usage: migrate [flags] up|status|down\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration command failed", "command", command, "error", err)
		os.Exit(1)
	}
}
