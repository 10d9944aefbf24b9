package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"genjobs/internal/domain"
	"genjobs/internal/generator"
	"genjobs/internal/infra"
	"genjobs/internal/jobstore"
	"genjobs/internal/observability"
	"genjobs/internal/queue"
	"genjobs/internal/resultstore"
)

// Options configures a worker pool.
type Options struct {
	// Workers is the number of competing consumers.
	Workers int

	// MaxAttempts is the number of processing attempts before a job is
	// failed and its message dead-lettered. It should match the queue's
	// max delivery count.
	MaxAttempts int

	// GenerationTimeout is the hard wall-clock limit on one generation
	// call. The queue's visibility timeout must exceed it.
	GenerationTimeout time.Duration
}

// Artifact is the document persisted to the result store for a
// completed job.
type Artifact struct {
	JobID  string           `json:"job_id"`
	Text   string           `json:"text"`
	Format string           `json:"format,omitempty"`
	Usage  *generator.Usage `json:"usage,omitempty"`
}

// Pool runs competing consumers against the work queue. All coordination
// happens through the job store's compare-and-set transitions and the
// queue's delivery semantics; workers share no in-process state.
type Pool struct {
	store   jobstore.Store
	queue   queue.Queue
	results *resultstore.FileStore
	gen     generator.Generator
	opts    Options
	logger  infra.Logger
}

// New creates a worker pool.
func New(store jobstore.Store, q queue.Queue, results *resultstore.FileStore, gen generator.Generator, opts Options, logger infra.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Pool{store: store, queue: q, results: results, gen: gen, opts: opts, logger: logger}
}

// Run blocks until ctx is cancelled, then waits for in-flight messages
// to finish.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.consume(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (p *Pool) consume(ctx context.Context, worker int) error {
	logger := p.logger.With().Int("worker", worker).Logger()
	logger.Info().Msg("worker: started")
	for {
		del, err := p.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				logger.Info().Msg("worker: stopped")
				return err
			}
			logger.Error().Err(err).Msg("worker: receive failed")
			continue
		}
		p.handle(ctx, logger, del)
	}
}

// handle processes one delivery end to end. The compare-and-set claim in
// step two is the idempotency boundary that makes at-least-once delivery
// safe: a redelivered message for a job already claimed, completed or
// failed is acknowledged and dropped without touching it.
func (p *Pool) handle(ctx context.Context, logger infra.Logger, del queue.Delivery) {
	msg := del.Message()
	logger = logger.With().Str("job_id", msg.JobID).Logger()

	job, err := p.store.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Swept or never created; nothing to do.
			logger.Info().Msg("worker: job gone, dropping message")
			observability.JobsProcessed.WithLabelValues("dropped").Inc()
			p.ack(ctx, logger, del)
			return
		}
		logger.Error().Err(err).Msg("worker: job lookup failed")
		p.nack(ctx, logger, del)
		return
	}
	if job.Status.Terminal() {
		logger.Info().Str("status", string(job.Status)).Msg("worker: job already terminal, dropping redelivery")
		observability.JobsProcessed.WithLabelValues("dropped").Inc()
		p.ack(ctx, logger, del)
		return
	}

	claimed, err := p.store.Claim(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// Another worker holds or finished it.
			observability.JobsProcessed.WithLabelValues("dropped").Inc()
			p.ack(ctx, logger, del)
			return
		}
		logger.Error().Err(err).Msg("worker: claim failed")
		p.nack(ctx, logger, del)
		return
	}
	logger.Info().Int("attempt", claimed.AttemptCount).Msg("worker: job claimed")

	input := msg.Input
	if len(input) == 0 {
		input = claimed.Input
	}

	start := time.Now()
	gctx, cancel := context.WithTimeout(ctx, p.opts.GenerationTimeout)
	out, usage, genErr := p.gen.Generate(gctx, input)
	cancel()
	observability.GenerationDuration.Observe(time.Since(start).Seconds())

	if genErr != nil {
		p.handleFailure(ctx, logger, del, claimed, gctx, genErr)
		return
	}

	artifact := Artifact{JobID: claimed.ID, Text: out.Text, Format: out.Format, Usage: usage}
	data, err := json.Marshal(artifact)
	if err != nil {
		p.handleFailure(ctx, logger, del, claimed, nil, generator.Fatal(fmt.Errorf("encode artifact: %w", err)))
		return
	}
	key, err := p.results.Write(ctx, claimed.ID, data)
	if err != nil {
		if errors.Is(err, domain.ErrResultExists) {
			// A prior attempt got as far as writing the artifact;
			// reuse it rather than failing the job.
			key = p.results.Key(claimed.ID)
		} else {
			logger.Error().Err(err).Msg("worker: persist artifact failed")
			p.retryOrFail(ctx, logger, del, claimed, domain.JobError{
				Code:    domain.ErrCodeGenerationFailed,
				Message: "persist artifact: " + err.Error(),
			})
			return
		}
	}

	if err := p.store.Complete(ctx, claimed.ID, key); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost a race against another transition; the message is
			// handled either way.
			observability.JobsProcessed.WithLabelValues("dropped").Inc()
			p.ack(ctx, logger, del)
			return
		}
		logger.Error().Err(err).Msg("worker: complete transition failed")
		p.nack(ctx, logger, del)
		return
	}

	logger.Info().Str("result_ref", key).Msg("worker: job completed")
	observability.JobsProcessed.WithLabelValues("completed").Inc()
	p.ack(ctx, logger, del)
}

// handleFailure classifies a generation error and either fails the job
// permanently or hands it back for redelivery. The error is recorded in
// the job record before the message is acknowledged or released, so a
// job never silently vanishes.
func (p *Pool) handleFailure(ctx context.Context, logger infra.Logger, del queue.Delivery, job *domain.Job, gctx context.Context, genErr error) {
	jobErr := classify(gctx, genErr)
	logger.Warn().
		Err(genErr).
		Str("code", string(jobErr.Code)).
		Int("attempt", job.AttemptCount).
		Msg("worker: generation failed")

	if !generator.Recoverable(genErr) {
		if err := p.store.Fail(ctx, job.ID, domain.JobStatusProcessing, jobErr); err != nil && !errors.Is(err, domain.ErrConflict) {
			logger.Error().Err(err).Msg("worker: fail transition failed")
			p.nack(ctx, logger, del)
			return
		}
		observability.JobsProcessed.WithLabelValues("failed").Inc()
		p.ack(ctx, logger, del)
		return
	}

	p.retryOrFail(ctx, logger, del, job, jobErr)
}

// retryOrFail releases a recoverable failure for another attempt, or
// fails the job once its attempts are exhausted. In both paths the
// message is negatively acknowledged: under the attempt limit that
// requeues it, at the limit the queue dead-letters it, matching the
// FAILED record the client will observe.
func (p *Pool) retryOrFail(ctx context.Context, logger infra.Logger, del queue.Delivery, job *domain.Job, jobErr domain.JobError) {
	if job.AttemptCount >= p.opts.MaxAttempts {
		final := domain.JobError{
			Code:    jobErr.Code,
			Message: fmt.Sprintf("%s (after %d attempts)", jobErr.Message, job.AttemptCount),
		}
		if err := p.store.Fail(ctx, job.ID, domain.JobStatusProcessing, final); err != nil && !errors.Is(err, domain.ErrConflict) {
			logger.Error().Err(err).Msg("worker: fail transition failed")
			p.nack(ctx, logger, del)
			return
		}
		logger.Warn().Int("attempts", job.AttemptCount).Msg("worker: attempts exhausted, dead-lettering")
		observability.JobsProcessed.WithLabelValues("failed").Inc()
		observability.DeadLettered.Inc()
		p.nack(ctx, logger, del)
		return
	}

	if err := p.store.Release(ctx, job.ID, jobErr); err != nil && !errors.Is(err, domain.ErrConflict) {
		logger.Error().Err(err).Msg("worker: release transition failed")
	}
	observability.JobsProcessed.WithLabelValues("retried").Inc()
	p.nack(ctx, logger, del)
}

func (p *Pool) ack(ctx context.Context, logger infra.Logger, del queue.Delivery) {
	if err := del.Ack(ctx); err != nil {
		logger.Error().Err(err).Msg("worker: ack failed")
	}
}

func (p *Pool) nack(ctx context.Context, logger infra.Logger, del queue.Delivery) {
	if err := del.Nack(ctx); err != nil {
		logger.Error().Err(err).Msg("worker: nack failed")
	}
}

// classify maps a generation error to the structured error recorded on
// the job.
func classify(gctx context.Context, genErr error) domain.JobError {
	if !generator.Recoverable(genErr) {
		return domain.JobError{Code: domain.ErrCodeInvalidInput, Message: genErr.Error()}
	}
	if gctx != nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
		return domain.JobError{Code: domain.ErrCodeGenerationTimeout, Message: "generation exceeded hard timeout"}
	}
	if errors.Is(genErr, context.DeadlineExceeded) {
		return domain.JobError{Code: domain.ErrCodeGenerationTimeout, Message: "generation exceeded hard timeout"}
	}
	return domain.JobError{Code: domain.ErrCodeGenerationFailed, Message: genErr.Error()}
}
