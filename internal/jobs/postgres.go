package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTimeout = 5 * time.Second

// PostgresConfig configures the pgx pool behind PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Timeout bounds every statement issued by the store.
	Timeout time.Duration
}

// PostgresStore keeps job records in a Postgres table so several service
// replicas can share job state.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS vod_jobs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	source_path TEXT NOT NULL,
	output_dir TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	master_url TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	objects INTEGER NOT NULL DEFAULT 0,
	bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
ALTER TABLE vod_jobs ADD COLUMN IF NOT EXISTS owner TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS vod_jobs_state_idx ON vod_jobs (state);
`

// NewPostgresStore opens the pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres job store dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres job store config: %w", err)
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
		return nil, fmt.Errorf("open postgres job store pool: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPostgresTimeout
	}
	store := &PostgresStore{pool: pool, timeout: timeout}
	migrateCtx, cancel := store.withTimeout(ctx)
	defer cancel()
	if _, err := pool.Exec(migrateCtx, jobsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply job store schema: %w", err)
	}
	return store, nil
}

// Close releases the pool, giving up when ctx ends.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
INSERT INTO vod_jobs (id, state, source_path, output_dir, master_url, category, error, objects, bytes, created_at, updated_at, completed_at, owner)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING
`, rec.ID, string(rec.State), rec.SourcePath, rec.OutputDir, rec.MasterURL, rec.Category, rec.Error,
		rec.Objects, rec.Bytes, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), utcPtr(rec.CompletedAt), rec.Owner)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("insert job %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rec Record) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE vod_jobs
SET state = $2, source_path = $3, output_dir = $4, master_url = $5, category = $6, error = $7,
	objects = $8, bytes = $9, updated_at = $10, completed_at = $11, owner = $12
WHERE id = $1
`, rec.ID, string(rec.State), rec.SourcePath, rec.OutputDir, rec.MasterURL, rec.Category, rec.Error,
		rec.Objects, rec.Bytes, rec.UpdatedAt.UTC(), utcPtr(rec.CompletedAt), rec.Owner)
	if err != nil {
		return fmt.Errorf("update job %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT id, state, source_path, output_dir, master_url, category, error, objects, bytes, created_at, updated_at, completed_at, owner
FROM vod_jobs
WHERE id = $1
`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT id, state, source_path, output_dir, master_url, category, error, objects, bytes, created_at, updated_at, completed_at, owner
FROM vod_jobs
ORDER BY created_at, id
`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		state     string
		completed *time.Time
	)
	if err := row.Scan(&rec.ID, &state, &rec.SourcePath, &rec.OutputDir, &rec.MasterURL, &rec.Category,
		&rec.Error, &rec.Objects, &rec.Bytes, &rec.CreatedAt, &rec.UpdatedAt, &completed, &rec.Owner); err != nil {
		return Record{}, err
	}
	rec.State = State(state)
	if completed != nil {
		utc := completed.UTC()
		rec.CompletedAt = &utc
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation reports a duplicate key error (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
