package jobstore

import (
	"context"
	"time"

	"genjobs/internal/domain"
)

// Store is durable keyed storage for job records with a secondary lookup
// by idempotency key. Every mutation is a compare-and-set on the expected
// prior status; that conditioning is the only ordering primitive in the
// pipeline and is what makes at-least-once delivery safe.
type Store interface {
	// Create inserts the job unless a live record already holds its
	// idempotency key. On a duplicate it returns the existing job and
	// created=false; both outcomes are successes for the caller.
	Create(ctx context.Context, job *domain.Job) (created bool, existing *domain.Job, err error)

	// Get fetches a job by ID, including records past their TTL that the
	// sweep has not removed yet. Callers decide how to treat expiry.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Claim transitions PENDING → PROCESSING, sets started_at on the
	// first claim and increments attempt_count. Returns the claimed job,
	// or domain.ErrConflict when the job is no longer PENDING.
	Claim(ctx context.Context, id string) (*domain.Job, error)

	// Complete transitions PROCESSING → COMPLETED with the result
	// reference and completion timestamp. domain.ErrConflict when the
	// job is not PROCESSING.
	Complete(ctx context.Context, id, resultRef string) error

	// Fail transitions from the expected status to FAILED, recording the
	// structured error. domain.ErrConflict on a status mismatch.
	Fail(ctx context.Context, id string, from domain.JobStatus, jobErr domain.JobError) error

	// Release transitions PROCESSING → PENDING after a recoverable
	// failure, recording the error so the record never silently loses
	// its failure history while awaiting redelivery.
	Release(ctx context.Context, id string, jobErr domain.JobError) error

	// ReleaseStale recovers jobs left PROCESSING by a worker that died
	// without releasing them: any job last claimed before cutoff goes
	// back to PENDING, or to FAILED once its attempts are exhausted.
	// Returns the released jobs so the caller can re-enqueue them, and
	// the number failed.
	ReleaseStale(ctx context.Context, cutoff time.Time, maxAttempts int) (released []*domain.Job, failed int, err error)

	// Sweep deletes records whose TTL passed before now. Returns the
	// number of records removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
