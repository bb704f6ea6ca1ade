package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id          UUID PRIMARY KEY,
	source_url  TEXT NOT NULL UNIQUE,
	file_path   TEXT,
	status      TEXT NOT NULL,
	progress    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS downloads_status_idx ON downloads (status);
`

const jobColumns = `id, source_url, file_path, status, progress, created_at, updated_at`

type PostgresJobStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and verifies the database is reachable.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return pool, nil
}

func NewPostgresJobStore(pool *pgxpool.Pool) *PostgresJobStore {
	return &PostgresJobStore{pool: pool}
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Save(ctx context.Context, job *core.Job) (*core.Job, error) {
	id := job.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO downloads (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			file_path  = EXCLUDED.file_path,
			status     = EXCLUDED.status,
			progress   = EXCLUDED.progress,
			updated_at = EXCLUDED.updated_at
		RETURNING `+jobColumns,
		id, job.SourceURL, nullableString(job.FilePath), string(job.Status), job.Progress, createdAt, now,
	)

	saved, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, core.ErrDuplicateSource
		}
		return nil, fmt.Errorf("failed to save job %s: %w", id, err)
	}
	return saved, nil
}

func (s *PostgresJobStore) GetByID(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM downloads WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

func (s *PostgresJobStore) GetBySourceURL(ctx context.Context, sourceURL string) (*core.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM downloads WHERE source_url = $1`, sourceURL)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job by source: %w", err)
	}
	return job, nil
}

// List returns jobs newest first. A non-positive limit returns every match.
func (s *PostgresJobStore) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, int, error) {
	var status *string
	if filter.Status != nil {
		v := string(*filter.Status)
		status = &v
	}
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	offset := max(filter.Offset, 0)

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM downloads WHERE ($1::text IS NULL OR status = $1)`, status,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM downloads
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`,
		status, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*core.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *PostgresJobStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM downloads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (*core.Job, error) {
	var (
		job      core.Job
		filePath *string
		status   string
	)
	if err := row.Scan(&job.ID, &job.SourceURL, &filePath, &status, &job.Progress, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if filePath != nil {
		job.FilePath = *filePath
	}
	job.Status = core.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
