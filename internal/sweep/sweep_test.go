package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genjobs/internal/domain"
	"genjobs/internal/generator"
	"genjobs/internal/jobstore"
	"genjobs/internal/queue"
	"genjobs/internal/resultstore"
	"genjobs/internal/worker"
)

type fakeReaper struct {
	calls int
	err   error
}

func (r *fakeReaper) Reap(context.Context, time.Time) (int, int, error) {
	r.calls++
	return 1, 0, r.err
}

type okGenerator struct{}

func (okGenerator) Generate(context.Context, json.RawMessage) (*generator.Output, *generator.Usage, error) {
	return &generator.Output{Text: "done"}, nil, nil
}

func newSweeper(t *testing.T, store jobstore.Store, q queue.Queue, reaper Reaper, visibility time.Duration) (*Sweeper, *resultstore.FileStore) {
	t.Helper()
	results, err := resultstore.NewFileStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s := New(store, results, q, reaper, Options{
		Interval:          time.Minute,
		VisibilityTimeout: visibility,
		MaxDeliveries:     3,
	}, zerolog.New(io.Discard))
	return s, results
}

func newQueue(t *testing.T) *queue.Memory {
	t.Helper()
	q := queue.NewMemory(queue.Options{Name: "test", VisibilityTimeout: time.Minute, MaxDeliveries: 3})
	t.Cleanup(q.Close)
	return q
}

func TestSweepRemovesExpiredJobs(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory(true)
	now := time.Now()

	expired := &domain.Job{
		ID:             "job-old",
		IdempotencyKey: "K-old",
		Status:         domain.JobStatusCompleted,
		CreatedAt:      now.Add(-2 * time.Hour),
		ExpiresAt:      now.Add(-time.Hour),
	}
	live := &domain.Job{
		ID:             "job-live",
		IdempotencyKey: "K-live",
		Status:         domain.JobStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	for _, j := range []*domain.Job{expired, live} {
		if _, _, err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create(%s): %v", j.ID, err)
		}
	}

	s, _ := newSweeper(t, store, newQueue(t), nil, time.Minute)
	s.Sweep(ctx, now)

	if _, err := store.Get(ctx, "job-old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expired job still present, err = %v", err)
	}
	if _, err := store.Get(ctx, "job-live"); err != nil {
		t.Fatalf("live job swept: %v", err)
	}
}

func TestSweepInvokesReaper(t *testing.T) {
	store := jobstore.NewMemory(true)
	reaper := &fakeReaper{}
	s, _ := newSweeper(t, store, newQueue(t), reaper, time.Minute)

	s.Sweep(context.Background(), time.Now())
	if reaper.calls != 1 {
		t.Fatalf("reaper calls = %d, want 1", reaper.calls)
	}
}

func TestSweepContinuesPastReaperError(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory(true)
	now := time.Now()
	if _, _, err := store.Create(ctx, &domain.Job{
		ID:             "job-old",
		IdempotencyKey: "K-old",
		Status:         domain.JobStatusFailed,
		CreatedAt:      now.Add(-2 * time.Hour),
		ExpiresAt:      now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s, _ := newSweeper(t, store, newQueue(t), &fakeReaper{err: errors.New("redis down")}, time.Minute)
	s.Sweep(ctx, now)

	if _, err := store.Get(ctx, "job-old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("job store sweep skipped after reaper error, err = %v", err)
	}
}

// A worker that dies after claiming leaves the job PROCESSING while the
// queue redelivers its message to someone else. The redelivery is
// dropped against the stale claim, so the sweep must put the job back
// into circulation with a fresh message, and a later pass must see it
// complete normally.
func TestSweepRecoversJobAbandonedByDeadWorker(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory(true)
	q := newQueue(t)
	visibility := 100 * time.Millisecond
	s, results := newSweeper(t, store, q, nil, visibility)

	job := &domain.Job{
		ID:             "job-1",
		IdempotencyKey: "K1",
		Status:         domain.JobStatusPending,
		Input:          json.RawMessage(`{"prompt":"report"}`),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if _, _, err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := q.Enqueue(ctx, domain.Message{JobID: job.ID, Input: job.Input}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The doomed worker claims the job and dies without acking.
	if _, err := store.Claim(ctx, job.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// A healthy worker receives the redelivery but cannot claim the
	// PROCESSING job; the message is dropped.
	pool := worker.New(store, q, results, okGenerator{}, worker.Options{
		Workers:           1,
		MaxAttempts:       3,
		GenerationTimeout: time.Second,
	}, zerolog.New(io.Discard))
	runPool := func() {
		pctx, cancel := context.WithCancel(ctx)
		go pool.Run(pctx)
		time.Sleep(200 * time.Millisecond)
		cancel()
	}
	runPool()

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.JobStatusProcessing || got.AttemptCount != 1 {
		t.Fatalf("before recovery: status = %s, attempts = %d", got.Status, got.AttemptCount)
	}

	// Past the visibility timeout the sweep releases the job and
	// enqueues a fresh message.
	s.Sweep(ctx, time.Now().Add(visibility+time.Second))
	got, _ = store.Get(ctx, job.ID)
	if got.Status != domain.JobStatusPending {
		t.Fatalf("after recovery sweep: status = %s, want PENDING", got.Status)
	}

	runPool()

	got, _ = store.Get(ctx, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("after recovery: status = %s, want COMPLETED", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", got.AttemptCount)
	}
	dead, _ := q.DeadLetters(ctx, 10)
	if len(dead) != 0 {
		t.Fatalf("dead letters = %d, want 0", len(dead))
	}
}

// An abandoned job with no attempts left is failed by the sweep rather
// than released, so polling never reports it in progress forever.
func TestSweepFailsAbandonedJobOutOfAttempts(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory(true)
	q := newQueue(t)
	visibility := 100 * time.Millisecond
	s, _ := newSweeper(t, store, q, nil, visibility)

	job := &domain.Job{
		ID:             "job-1",
		IdempotencyKey: "K1",
		Status:         domain.JobStatusPending,
		Input:          json.RawMessage(`{"prompt":"report"}`),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	store.Create(ctx, job)
	for i := 0; i < 3; i++ {
		if _, err := store.Claim(ctx, job.ID); err != nil {
			t.Fatalf("Claim %d: %v", i+1, err)
		}
		if i < 2 {
			if err := store.Release(ctx, job.ID, domain.JobError{Code: domain.ErrCodeGenerationFailed}); err != nil {
				t.Fatalf("Release %d: %v", i+1, err)
			}
		}
	}

	s.Sweep(ctx, time.Now().Add(visibility+time.Second))

	got, _ := store.Get(ctx, job.ID)
	if got.Status != domain.JobStatusFailed || got.Error == nil {
		t.Fatalf("job = %+v, want FAILED with error", got)
	}
	if got.Error.Code != domain.ErrCodeAttemptsExhausted {
		t.Fatalf("error code = %s", got.Error.Code)
	}
}
