// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/harvester/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// uniqueViolation is the Postgres error code for duplicate primary keys.
const uniqueViolation = "23505"

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobStore persists jobs in Postgres. It assumes a table schema like:
//
//	CREATE TABLE jobs (
//		id TEXT PRIMARY KEY,
//		job_type TEXT NOT NULL,
//		config JSONB NOT NULL,
//		status TEXT NOT NULL,
//		submitted TIMESTAMPTZ NOT NULL,
//		started TIMESTAMPTZ,
//		finished TIMESTAMPTZ,
//		attempt INT NOT NULL DEFAULT 0,
//		error_text TEXT NOT NULL DEFAULT '',
//		result JSONB
//	);
type JobStore struct {
	pool  pgxPool
	table string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &JobStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	var resultJSON []byte
	if job.Result != nil {
		resultJSON, err = json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	job_type,
	config,
	status,
	submitted,
	started,
	finished,
	attempt,
	error_text,
	result
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		job.ID,
		job.Type,
		configJSON,
		job.Status,
		job.Submitted,
		job.Started,
		job.Finished,
		job.Attempt,
		job.ErrorText,
		resultJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create job %s: %w", job.ID, scrape.ErrJobExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus updates the status and error text for a job.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status scrape.JobStatus, errText string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $2, error_text = $3 WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID, status, errText)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", jobID, scrape.ErrJobNotFound)
	}
	return nil
}

// MarkStarted records the active transition and the delivery attempt. The
// started timestamp only sticks on the first delivery so redeliveries keep
// the original start time.
func (s *JobStore) MarkStarted(ctx context.Context, jobID string, at time.Time, attempt int) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	query := fmt.Sprintf(
		`UPDATE %s SET status = $2, attempt = $3, started = COALESCE(started, $4) WHERE id = $1`,
		s.table,
	)
	tag, err := s.pool.Exec(ctx, query, jobID, scrape.StatusActive, attempt, at)
	if err != nil {
		return fmt.Errorf("mark job started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark started %s: %w", jobID, scrape.ErrJobNotFound)
	}
	return nil
}

// SetResult records the terminal status and result for a job.
func (s *JobStore) SetResult(ctx context.Context, jobID string, status scrape.JobStatus, result scrape.JobResult, finished time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	query := fmt.Sprintf(
		`UPDATE %s SET status = $2, error_text = $3, result = $4, finished = $5 WHERE id = $1`,
		s.table,
	)
	tag, err := s.pool.Exec(ctx, query, jobID, status, result.Error, resultJSON, finished)
	if err != nil {
		return fmt.Errorf("set job result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set result %s: %w", jobID, scrape.ErrJobNotFound)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	if s == nil || s.pool == nil {
		return scrape.Job{}, fmt.Errorf("job store is not configured")
	}
	query := fmt.Sprintf(`
SELECT id, job_type, config, status, submitted, started, finished, attempt, error_text, result
FROM %s
WHERE id = $1`, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, scrape.ErrJobNotFound)
		}
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs ordered newest first, optionally filtered by status.
// A non-positive limit returns all matching rows.
func (s *JobStore) ListJobs(ctx context.Context, status *scrape.JobStatus, limit, offset int) ([]scrape.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("job store is not configured")
	}
	if offset < 0 {
		offset = 0
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	query := fmt.Sprintf(`
SELECT id, job_type, config, status, submitted, started, finished, attempt, error_text, result
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY submitted DESC, id DESC
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, status, limitArg, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scrape.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Ping reports connectivity to the database.
func (s *JobStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job        scrape.Job
		configJSON []byte
		resultJSON []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Type,
		&configJSON,
		&job.Status,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.Attempt,
		&job.ErrorText,
		&resultJSON,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return scrape.Job{}, fmt.Errorf("unmarshal job config: %w", err)
	}
	if len(resultJSON) > 0 {
		var result scrape.JobResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return scrape.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}
