package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"genjobs/internal/domain"
	"genjobs/internal/generator"
	"genjobs/internal/infra"
	"genjobs/internal/jobstore"
	"genjobs/internal/observability"
	"genjobs/internal/queue"
)

// Gateway accepts generation requests, deduplicates them by idempotency
// key and enqueues work. All collaborators are injected; the gateway
// holds no mutable state of its own and scales horizontally.
type Gateway struct {
	store     jobstore.Store
	queue     queue.Queue
	validator generator.Validator
	jobTTL    time.Duration
	logger    infra.Logger
}

// New creates a submission gateway.
func New(store jobstore.Store, q queue.Queue, validator generator.Validator, jobTTL time.Duration, logger infra.Logger) *Gateway {
	return &Gateway{
		store:     store,
		queue:     q,
		validator: validator,
		jobTTL:    jobTTL,
		logger:    logger,
	}
}

// Submit creates a job for the given idempotency key, or replays the
// existing one. created=false means an idempotent replay; both outcomes
// are successes. Exactly one job record and one queue message ever come
// out of any number of submissions with the same key.
func (g *Gateway) Submit(ctx context.Context, idempotencyKey string, input json.RawMessage) (*domain.Job, bool, error) {
	if idempotencyKey == "" {
		observability.JobsSubmitted.WithLabelValues("rejected").Inc()
		return nil, false, fmt.Errorf("idempotency key: %w", domain.ErrInvalidInput)
	}
	if g.validator != nil {
		if err := g.validator.Validate(input); err != nil {
			observability.JobsSubmitted.WithLabelValues("rejected").Inc()
			return nil, false, fmt.Errorf("%w: %s", domain.ErrInvalidInput, err)
		}
	}

	now := time.Now()
	job := &domain.Job{
		ID:             uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Status:         domain.JobStatusPending,
		Input:          input,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.jobTTL),
	}

	created, existing, err := g.store.Create(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		g.logger.Debug().
			Str("job_id", existing.ID).
			Str("status", string(existing.Status)).
			Msg("gateway: idempotent replay")
		observability.JobsSubmitted.WithLabelValues("replayed").Inc()
		return existing, false, nil
	}

	if err := g.queue.Enqueue(ctx, domain.Message{JobID: job.ID, Input: input}); err != nil {
		// The record exists but no message does; without this the job
		// would sit PENDING forever with nothing to drive it.
		failErr := g.store.Fail(ctx, job.ID, domain.JobStatusPending, domain.JobError{
			Code:    domain.ErrCodeEnqueueFailed,
			Message: "work queue unavailable at submission",
		})
		if failErr != nil {
			g.logger.Error().Err(failErr).
				Str("job_id", job.ID).
				Msg("gateway: failed to mark orphaned job; deferring to sweep")
		}
		observability.JobsSubmitted.WithLabelValues("rejected").Inc()
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}

	g.logger.Info().
		Str("job_id", job.ID).
		Msg("gateway: job created")
	observability.JobsSubmitted.WithLabelValues("created").Inc()
	return job, true, nil
}
