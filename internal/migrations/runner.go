// Package migrations applies the embedded schema migrations in order.
// Migration files live in sql/ as NNN_name.sql and run exactly once each,
// tracked in _foreman_migrations. Concurrent scheduler instances serialize
// on an advisory lock, so rolling deploys cannot double-apply.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// migrationLockID is an arbitrary constant for pg_advisory_xact_lock.
const migrationLockID = 901217

// Runner applies the embedded migrations against a pool.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRunner creates a migration runner.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return &Runner{pool: pool, logger: logger}
}

// Bootstrap creates the migration tracking table. Idempotent.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _foreman_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("creating _foreman_migrations: %w", err)
	}
	return nil
}

// Run applies pending migrations in lexical order and returns how many ran.
func (r *Runner) Run(ctx context.Context) (int, error) {
	names, err := r.pending(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, name := range names {
		if err := r.apply(ctx, name); err != nil {
			return applied, err
		}
		applied++
	}
	if applied > 0 {
		r.logger.Info("migrations applied", "count", applied)
	}
	return applied, nil
}

func (r *Runner) pending(ctx context.Context) ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	done := map[string]bool{}
	rows, err := r.pool.Query(ctx, `SELECT name FROM _foreman_migrations`)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || done[e.Name()] {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// apply runs one migration file in its own transaction, re-checking under
// the advisory lock in case another instance applied it first.
func (r *Runner) apply(ctx context.Context, name string) error {
	body, err := fs.ReadFile(embeddedMigrations, "sql/"+name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("acquiring migration lock: %w", err)
		}

		var already bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM _foreman_migrations WHERE name = $1)`, name,
		).Scan(&already); err != nil {
			return err
		}
		if already {
			return nil
		}

		if _, err := tx.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("applying %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO _foreman_migrations (name) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("recording %s: %w", name, err)
		}
		r.logger.Info("migration applied", "name", name)
		return nil
	})
}
