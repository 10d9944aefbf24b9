package sweep

import (
	"context"
	"time"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/jobstore"
	"genjobs/internal/observability"
	"genjobs/internal/queue"
	"genjobs/internal/resultstore"
)

// Reaper returns expired in-flight queue messages to circulation. The
// Redis queue needs this called periodically; brokers that expire
// deliveries themselves do not.
type Reaper interface {
	Reap(ctx context.Context, now time.Time) (requeued, deadLettered int, err error)
}

// Options tunes the retention pass.
type Options struct {
	Interval time.Duration

	// VisibilityTimeout bounds how long a claimed job may sit in
	// PROCESSING before it is treated as abandoned by a dead worker.
	VisibilityTimeout time.Duration

	// MaxDeliveries caps attempts; an abandoned job at the cap is failed
	// instead of released.
	MaxDeliveries int
}

// Sweeper runs the periodic retention pass: jobs abandoned by dead
// workers are released or failed, expired job records are deleted,
// artifacts past their retention window are removed, and, when a Reaper
// is configured, timed-out queue deliveries are requeued.
type Sweeper struct {
	store   jobstore.Store
	results *resultstore.FileStore
	queue   queue.Queue
	reaper  Reaper
	opts    Options
	logger  infra.Logger
}

func New(store jobstore.Store, results *resultstore.FileStore, q queue.Queue, reaper Reaper, opts Options, logger infra.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		results: results,
		queue:   q,
		reaper:  reaper,
		opts:    opts,
		logger:  logger,
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep performs one retention pass. Each stage runs even when an
// earlier one fails; a stuck store must not stop queue reaping.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	s.recoverAbandoned(ctx, now)

	if s.reaper != nil {
		requeued, dead, err := s.reaper.Reap(ctx, now)
		if err != nil {
			s.logger.Error().Err(err).Msg("sweep: queue reap failed")
		} else if requeued > 0 || dead > 0 {
			observability.DeadLettered.Add(float64(dead))
			s.logger.Info().Int("requeued", requeued).Int("dead_lettered", dead).Msg("sweep: reaped timed-out deliveries")
		}
	}

	swept, err := s.store.Sweep(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: job store sweep failed")
	} else if swept > 0 {
		observability.SweptJobs.Add(float64(swept))
		s.logger.Info().Int("removed", swept).Msg("sweep: expired job records removed")
	}

	removed, err := s.results.Sweep(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: artifact sweep failed")
	} else if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("sweep: retired artifacts removed")
	}
}

// recoverAbandoned handles jobs whose worker died mid-attempt: the
// record is PROCESSING but nothing will ever complete it, and the
// redelivered message was dropped against the stale claim. Released
// jobs get a fresh message so redelivery never depends on queue state
// the dead worker may have consumed.
func (s *Sweeper) recoverAbandoned(ctx context.Context, now time.Time) {
	if s.opts.VisibilityTimeout <= 0 {
		return
	}
	cutoff := now.Add(-s.opts.VisibilityTimeout)
	released, failed, err := s.store.ReleaseStale(ctx, cutoff, s.opts.MaxDeliveries)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: stale claim recovery failed")
		return
	}
	if failed > 0 {
		observability.JobsProcessed.WithLabelValues("failed").Add(float64(failed))
		s.logger.Warn().Int("failed", failed).Msg("sweep: abandoned jobs failed with attempts exhausted")
	}
	for _, job := range released {
		if err := s.queue.Enqueue(ctx, domain.Message{JobID: job.ID, Input: job.Input}); err != nil {
			// Same rule as the gateway: a PENDING record with no message
			// to drive it must not linger.
			if failErr := s.store.Fail(ctx, job.ID, domain.JobStatusPending, domain.JobError{
				Code:    domain.ErrCodeEnqueueFailed,
				Message: "work queue unavailable during recovery",
			}); failErr != nil {
				s.logger.Error().Err(failErr).Str("job_id", job.ID).Msg("sweep: failed to mark orphaned job")
			}
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("sweep: re-enqueue of recovered job failed")
			continue
		}
		observability.JobsProcessed.WithLabelValues("retried").Inc()
		s.logger.Info().Str("job_id", job.ID).Int("attempt", job.AttemptCount).Msg("sweep: recovered abandoned job")
	}
}
