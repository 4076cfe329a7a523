// Package store archives loop events in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the PostgreSQL event archive.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New connects and pings the database.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 4 {
		// one writer (the sink) plus API readers
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected", zap.String("database", cfg.ConnConfig.Database))
	return &Store{db: pool, logger: logger}, nil
}

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// Migrate applies every *.up.sql file in dir that has not been applied
// yet, in name order, each in its own transaction.
func (s *Store) Migrate(ctx context.Context, dir string) error {
	files, err := migrationFiles(dir)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, f := range files {
		version := strings.TrimSuffix(f, ".up.sql")
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		ok, err := s.apply(ctx, version, string(data))
		if err != nil {
			return fmt.Errorf("migration %s: %w", f, err)
		}
		if ok {
			applied++
			s.logger.Info("migration applied", zap.String("version", version))
		}
	}
	s.logger.Debug("migrations up to date", zap.Int("applied", applied), zap.Int("total", len(files)))
	return nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one migration unless its version is recorded. It reports
// whether the migration ran.
func (s *Store) apply(ctx context.Context, version, sql string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var seen string
	err = tx.QueryRow(ctx, `SELECT version FROM schema_migrations WHERE version = $1 FOR UPDATE`, version).Scan(&seen)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, err
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Versions lists applied migrations in order.
func (s *Store) Versions(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Close shuts down the pool.
func (s *Store) Close() {
	s.db.Close()
}
