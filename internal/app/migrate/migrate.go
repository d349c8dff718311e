// Package migrate drives goose migrations for the pipeline's four tables
// (services, deployments, build queue items, webhook events). The receiver
// applies pending migrations on startup; the migrate command exposes
// status and rollback for operators.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// migrationTimeout bounds any single goose command. The schema is small;
// a migration running longer than this is stuck on a lock.
const migrationTimeout = time.Minute

// Runner executes goose commands against the pipeline database. goose
// wants a database/sql handle, so the runner opens one per command from
// the DSN while health checks go through the shared pgx pool.
type Runner struct {
	pool *pgxpool.Pool
	dsn  string
	dir  string
	log  *slog.Logger
}

// New validates the migration source up front; a missing directory should
// fail startup, not the first deploy.
func New(pool *pgxpool.Pool, dsn, dir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("migrate: nil pool")
	}
	if dsn == "" {
		return Runner{}, errors.New("migrate: empty database dsn")
	}
	if _, err := os.Stat(dir); err != nil {
		return Runner{}, fmt.Errorf("migrate: migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{pool: pool, dsn: dsn, dir: dir, log: log}, nil
}

// Ensure brings the schema up to the latest version.
func (r Runner) Ensure(ctx context.Context) error {
	return r.exec(ctx, func(ctx context.Context, db *sql.DB) error {
		r.log.Info("applying migrations", "dir", r.dir)
		if err := goose.UpContext(ctx, db, r.dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return nil
	})
}

// Status prints applied and pending versions.
func (r Runner) Status(ctx context.Context) error {
	return r.exec(ctx, func(ctx context.Context, db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, r.dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls back one migration, or down to targetVersion when positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.exec(ctx, func(ctx context.Context, db *sql.DB) error {
		if targetVersion > 0 {
			r.log.Info("rolling back", "target", targetVersion)
			if err := goose.DownToContext(ctx, db, r.dir, targetVersion); err != nil {
				return fmt.Errorf("rollback to %d: %w", targetVersion, err)
			}
			return nil
		}
		r.log.Info("rolling back one migration")
		if err := goose.DownContext(ctx, db, r.dir); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		return nil
	})
}

// Ping verifies database connectivity through the shared pool.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the shared pool.
func (r Runner) Close() {
	r.pool.Close()
}

func (r Runner) exec(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	return fn(ctx, db)
}
