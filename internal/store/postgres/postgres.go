// Package postgres is the production DataContext backend, built on
// pgx/pgxpool with embedded golang-migrate schema migrations.
package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// New creates a pgx connection pool and runs any pending schema migrations.
// connString must be a postgres:// or postgresql:// URL.
func New(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}

	if err := runMigrations(connString); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return pool, nil
}

func runMigrations(connString string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}

	dbURL := pgx5URL(connString)
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// pgx5URL replaces a "postgres://" or "postgresql://" scheme with "pgx5://"
// so golang-migrate selects its pgx/v5 database driver.
func pgx5URL(connString string) string {
	const (
		postgres   = "postgres://"
		postgresql = "postgresql://"
		pgx5       = "pgx5://"
	)
	if len(connString) >= len(postgresql) && connString[:len(postgresql)] == postgresql {
		return pgx5 + connString[len(postgresql):]
	}
	if len(connString) >= len(postgres) && connString[:len(postgres)] == postgres {
		return pgx5 + connString[len(postgres):]
	}
	return connString
}
