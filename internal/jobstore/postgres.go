package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"genjobs/internal/domain"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool

	// allowReuse lets an idempotency key whose prior job expired create
	// a brand-new job instead of replaying the dead record.
	allowReuse bool
}

// NewPostgres creates a job store backed by PostgreSQL.
func NewPostgres(pool *pgxpool.Pool, allowReuse bool) *Postgres {
	return &Postgres{pool: pool, allowReuse: allowReuse}
}

// InitSchema creates the jobs table. Idempotent.
func (s *Postgres) InitSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
    id UUID PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    input JSONB NOT NULL,
    result_ref TEXT,
    error_code TEXT,
    error_message TEXT,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    claimed_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs (expires_at);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const jobColumns = `id, idempotency_key, status, input, result_ref, error_code, error_message, attempt_count, created_at, started_at, completed_at, expires_at`

func (s *Postgres) Create(ctx context.Context, job *domain.Job) (bool, *domain.Job, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tag, err := s.pool.Exec(ctx, `
INSERT INTO jobs (id, idempotency_key, status, input, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (idempotency_key) DO NOTHING;
`, job.ID, job.IdempotencyKey, job.Status, job.Input, job.ExpiresAt, job.CreatedAt)
		if err != nil {
			return false, nil, fmt.Errorf("insert job: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return true, nil, nil
		}

		existing, err := s.getByKey(ctx, job.IdempotencyKey)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Holder vanished between insert and lookup; retry once.
				continue
			}
			return false, nil, err
		}
		if s.allowReuse && existing.Expired(time.Now()) {
			// Evict the dead record and retry the insert. The delete is
			// conditioned on expiry so a concurrent live holder is never
			// displaced.
			if _, err := s.pool.Exec(ctx,
				`DELETE FROM jobs WHERE idempotency_key = $1 AND expires_at < NOW();`,
				job.IdempotencyKey); err != nil {
				return false, nil, fmt.Errorf("evict expired job: %w", err)
			}
			continue
		}
		return false, existing, nil
	}
	return false, nil, fmt.Errorf("create job %s: %w", job.ID, domain.ErrConflict)
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	return scanJob(row)
}

func (s *Postgres) getByKey(ctx context.Context, key string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1;`, key)
	return scanJob(row)
}

func (s *Postgres) Claim(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE jobs
SET status = $2,
    started_at = COALESCE(started_at, NOW()),
    claimed_at = NOW(),
    attempt_count = attempt_count + 1
WHERE id = $1 AND status = $3
RETURNING `+jobColumns+`;
`, id, domain.JobStatusProcessing, domain.JobStatusPending)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrConflict
		}
		return nil, err
	}
	return job, nil
}

func (s *Postgres) Complete(ctx context.Context, id, resultRef string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status = $2, result_ref = $3, completed_at = NOW()
WHERE id = $1 AND status = $4;
`, id, domain.JobStatusCompleted, resultRef, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (s *Postgres) Fail(ctx context.Context, id string, from domain.JobStatus, jobErr domain.JobError) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status = $2, error_code = $3, error_message = $4, completed_at = NOW()
WHERE id = $1 AND status = $5;
`, id, domain.JobStatusFailed, jobErr.Code, jobErr.Message, from)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (s *Postgres) Release(ctx context.Context, id string, jobErr domain.JobError) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status = $2, error_code = $3, error_message = $4
WHERE id = $1 AND status = $5;
`, id, domain.JobStatusPending, jobErr.Code, jobErr.Message, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ReleaseStale recovers jobs whose worker died mid-attempt. claimed_at
// is refreshed on every claim, so a job still being worked on inside
// the visibility window is never touched.
func (s *Postgres) ReleaseStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*domain.Job, int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status = $1, error_code = $2, error_message = $3, completed_at = NOW()
WHERE status = $4 AND claimed_at < $5 AND attempt_count >= $6;
`, domain.JobStatusFailed, domain.ErrCodeAttemptsExhausted,
		"worker lost with attempts exhausted", domain.JobStatusProcessing, cutoff, maxAttempts)
	if err != nil {
		return nil, 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	failed := int(tag.RowsAffected())

	rows, err := s.pool.Query(ctx, `
UPDATE jobs
SET status = $1
WHERE status = $2 AND claimed_at < $3 AND attempt_count < $4
RETURNING `+jobColumns+`;
`, domain.JobStatusPending, domain.JobStatusProcessing, cutoff, maxAttempts)
	if err != nil {
		return nil, failed, fmt.Errorf("release stale jobs: %w", err)
	}
	defer rows.Close()

	var released []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, failed, err
		}
		released = append(released, job)
	}
	if err := rows.Err(); err != nil {
		return nil, failed, fmt.Errorf("release stale jobs: %w", err)
	}
	return released, failed, nil
}

func (s *Postgres) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE expires_at < $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job        domain.Job
		resultRef  *string
		errCode    *string
		errMessage *string
	)
	if err := row.Scan(
		&job.ID,
		&job.IdempotencyKey,
		&job.Status,
		&job.Input,
		&resultRef,
		&errCode,
		&errMessage,
		&job.AttemptCount,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if resultRef != nil {
		job.ResultRef = *resultRef
	}
	// A released job keeps its last error in storage for operators, but
	// the domain invariant is that Error is set only on FAILED records.
	if errCode != nil && job.Status == domain.JobStatusFailed {
		job.Error = &domain.JobError{Code: domain.ErrorCode(*errCode)}
		if errMessage != nil {
			job.Error.Message = *errMessage
		}
	}
	return &job, nil
}

var _ Store = (*Postgres)(nil)
