// Package database provides connection wrappers for the two backing
// stores this process owns: Redis for the job queue and instance
// state store, and Postgres for the audit trail.
package database

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riftforge/gpu-orchestrator/internal/config"
)

//go:embed migrations/*.sql
var auditMigrationsFS embed.FS

// Postgres wraps the connection pool backing the audit_logs table —
// the only Postgres-resident data in this system, everything else
// living in Redis.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool against the audit database and confirms it
// is reachable before returning.
func NewPostgres(cfg config.DatabaseConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse audit database config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("open audit database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an already-constructed pool (used by tests
// against a pgxpool pointed at a throwaway database).
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Pool returns the underlying connection pool, handed to
// internal/audit's repository.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping verifies the audit database connection is alive. GET /health
// does not call it.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// RunMigrations brings the audit_logs schema up to date using the
// migrations embedded at build time.
func (p *Postgres) RunMigrations(cfg config.DatabaseConfig) error {
	return p.runMigrate(cfg, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("apply audit migrations: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back the last steps audit-schema migrations, for
// an operator reverting a bad deploy.
func (p *Postgres) MigrateDown(cfg config.DatabaseConfig, steps int) error {
	return p.runMigrate(cfg, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("roll back audit migrations: %w", err)
		}
		return nil
	})
}

func (p *Postgres) runMigrate(cfg config.DatabaseConfig, apply func(*migrate.Migrate) error) error {
	dbURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
	source, err := iofs.New(auditMigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded audit migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()
	return apply(m)
}

