// Package postgres provides the Postgres-backed snapshot index.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/web-archiver/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultSnapshotsTable = "snapshots"
	DefaultRunsTable      = "extractor_runs"
)

// IndexStoreConfig controls the Postgres connection pool used for index rows.
type IndexStoreConfig struct {
	DSN             string
	SnapshotsTable  string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// AutoMigrate creates missing tables on startup.
	AutoMigrate bool
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// IndexStore writes snapshot and extractor rows into Postgres. It implements
// store.IndexRepository.
type IndexStore struct {
	pool      execCloser
	snapshots string
	runs      string
}

var _ store.IndexRepository = (*IndexStore)(nil)

// NewIndexStore connects to Postgres using cfg.
func NewIndexStore(ctx context.Context, cfg IndexStoreConfig) (*IndexStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.dsn is required")
	}
	snapshots, runs, err := tableNames(cfg.SnapshotsTable, cfg.RunsTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &IndexStore{pool: pool, snapshots: snapshots, runs: runs}
	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewIndexStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewIndexStoreWithPool(pool execCloser, snapshotsTable, runsTable string) (*IndexStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	snapshots, runs, err := tableNames(snapshotsTable, runsTable)
	if err != nil {
		return nil, err
	}
	return &IndexStore{pool: pool, snapshots: snapshots, runs: runs}, nil
}

func tableNames(snapshots, runs string) (string, string, error) {
	if snapshots == "" {
		snapshots = DefaultSnapshotsTable
	}
	if runs == "" {
		runs = DefaultRunsTable
	}
	for _, name := range []string{snapshots, runs} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return snapshots, runs, nil
}

// Close releases the underlying pool resources.
func (s *IndexStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *IndexStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the index tables when they do not exist.
func (s *IndexStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id uuid PRIMARY KEY,
	url text NOT NULL,
	status text NOT NULL DEFAULT 'queued',
	updated_at timestamptz NOT NULL
)`, s.snapshots),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	snapshot_id uuid NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
	extractor text NOT NULL,
	status text NOT NULL,
	attempt integer NOT NULL,
	duration_ms bigint NOT NULL,
	bytes bigint NOT NULL,
	note text,
	finished_at timestamptz NOT NULL,
	PRIMARY KEY (snapshot_id, extractor)
)`, s.runs, s.snapshots),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure index schema: %w", err)
		}
	}
	return nil
}

// UpsertSnapshot inserts the snapshot row or refreshes it. Older timestamps
// never overwrite newer ones so replays are harmless.
func (s *IndexStore) UpsertSnapshot(ctx context.Context, row store.SnapshotRow) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("index store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, url, status, updated_at)
VALUES ($1, $2, COALESCE(NULLIF($3, ''), 'queued'), $4)
ON CONFLICT (id) DO UPDATE
SET url = EXCLUDED.url,
	status = COALESCE(NULLIF($3, ''), %[1]s.status),
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.updated_at <= EXCLUDED.updated_at`, s.snapshots)
	if _, err := s.pool.Exec(ctx, query, row.ID, row.URL, row.Status, row.UpdatedAt); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// UpsertExtractorRun records the latest attempt for (snapshot, extractor).
func (s *IndexStore) UpsertExtractorRun(ctx context.Context, run store.ExtractorRun) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("index store is not configured")
	}
	if run.Extractor == "" {
		return fmt.Errorf("extractor is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (snapshot_id, extractor, status, attempt, duration_ms, bytes, note, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (snapshot_id, extractor) DO UPDATE
SET status = EXCLUDED.status,
	attempt = EXCLUDED.attempt,
	duration_ms = EXCLUDED.duration_ms,
	bytes = EXCLUDED.bytes,
	note = EXCLUDED.note,
	finished_at = EXCLUDED.finished_at
WHERE %[1]s.finished_at <= EXCLUDED.finished_at`, s.runs)
	args := []any{
		run.SnapshotID,
		run.Extractor,
		run.Status,
		run.Attempt,
		run.Duration.Milliseconds(),
		run.Bytes,
		run.Note,
		run.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert extractor run: %w", err)
	}
	return nil
}
