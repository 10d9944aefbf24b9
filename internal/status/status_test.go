package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"genjobs/internal/domain"
	"genjobs/internal/jobstore"
	"genjobs/internal/resultstore"
)

type fixture struct {
	store   *jobstore.Memory
	results *resultstore.FileStore
	minter  *resultstore.TokenMinter
	svc     *Service
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := jobstore.NewMemory(true)
	results, err := resultstore.NewFileStore(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	minter := resultstore.NewTokenMinter("secret", time.Hour)
	return &fixture{
		store:   store,
		results: results,
		minter:  minter,
		svc:     New(store, results, minter),
		dir:     dir,
	}
}

func (f *fixture) seedJob(t *testing.T, status domain.JobStatus) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		Status:         domain.JobStatusPending,
		Input:          json.RawMessage(`{"prompt":"hello"}`),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(30 * time.Minute),
	}
	ctx := context.Background()
	if created, _, err := f.store.Create(ctx, job); err != nil || !created {
		t.Fatalf("seed: created=%v err=%v", created, err)
	}
	switch status {
	case domain.JobStatusPending:
	case domain.JobStatusProcessing:
		f.store.Claim(ctx, job.ID)
	case domain.JobStatusCompleted:
		f.store.Claim(ctx, job.ID)
		key, err := f.results.Write(ctx, job.ID, []byte(`{"job_id":"`+job.ID+`","text":"done","usage":{"model":"fake","output_tokens":7}}`))
		if err != nil {
			t.Fatalf("seed artifact: %v", err)
		}
		f.store.Complete(ctx, job.ID, key)
	case domain.JobStatusFailed:
		f.store.Claim(ctx, job.ID)
		f.store.Fail(ctx, job.ID, domain.JobStatusProcessing, domain.JobError{
			Code:    domain.ErrCodeGenerationTimeout,
			Message: "deadline exceeded",
		})
	}
	got, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("seed readback: %v", err)
	}
	return got
}

func TestGetStatusNotFound(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.GetStatus(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != StateNotFound {
		t.Fatalf("state = %s, want NOT_FOUND", view.State)
	}
}

func TestGetStatusInProgress(t *testing.T) {
	f := newFixture(t)

	pending := f.seedJob(t, domain.JobStatusPending)
	view, err := f.svc.GetStatus(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != StateInProgress {
		t.Fatalf("state = %s", view.State)
	}
	if view.StartedAt != nil {
		t.Fatal("pending job should have no started_at")
	}
	if view.AccessRef != "" {
		t.Fatal("in-progress job must not carry an access reference")
	}

	processing := f.seedJob(t, domain.JobStatusProcessing)
	view, err = f.svc.GetStatus(context.Background(), processing.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != StateInProgress || view.StartedAt == nil {
		t.Fatalf("view = %+v", view)
	}
}

func TestGetStatusCompletedMintsReference(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, domain.JobStatusCompleted)

	view, err := f.svc.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != StateDoneOK {
		t.Fatalf("state = %s", view.State)
	}
	if view.AccessRef == "" {
		t.Fatal("completed job must carry an access reference")
	}
	claims, err := f.minter.Verify(view.AccessRef)
	if err != nil {
		t.Fatalf("minted reference does not verify: %v", err)
	}
	if claims.JobID != job.ID {
		t.Fatalf("claims job = %s", claims.JobID)
	}
	var usage struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(view.Metadata, &usage); err != nil || usage.Model != "fake" {
		t.Fatalf("metadata = %s (err=%v)", view.Metadata, err)
	}

	// Polling again re-mints; both references resolve to the same
	// artifact.
	view2, err := f.svc.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second GetStatus: %v", err)
	}
	claims2, err := f.minter.Verify(view2.AccessRef)
	if err != nil {
		t.Fatalf("second reference does not verify: %v", err)
	}
	if claims2.Key != claims.Key {
		t.Fatalf("references point at different artifacts: %s vs %s", claims2.Key, claims.Key)
	}
}

func TestGetStatusFailed(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, domain.JobStatusFailed)

	view, err := f.svc.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != StateDoneFailed {
		t.Fatalf("state = %s", view.State)
	}
	if view.Error == nil || view.Error.Code != domain.ErrCodeGenerationTimeout {
		t.Fatalf("error = %+v", view.Error)
	}
}

func TestGetStatusExpiredJobReadsNotFound(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, domain.JobStatusCompleted)

	// Push the record past its TTL without deleting it.
	expired := f.seedExpired(t, job)
	view, err := f.svc.GetStatus(context.Background(), expired)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != StateNotFound {
		t.Fatalf("state = %s, want NOT_FOUND for expired record", view.State)
	}
}

// seedExpired creates a completed job whose record TTL has passed but
// which still exists in storage.
func (f *fixture) seedExpired(t *testing.T, src *domain.Job) string {
	t.Helper()
	ctx := context.Background()
	job := &domain.Job{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		Status:         domain.JobStatusPending,
		Input:          src.Input,
		CreatedAt:      time.Now().Add(-time.Hour),
		ExpiresAt:      time.Now().Add(-time.Minute),
	}
	if created, _, err := f.store.Create(ctx, job); err != nil || !created {
		t.Fatalf("seedExpired: created=%v err=%v", created, err)
	}
	return job.ID
}

func TestGetStatusResultExpired(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, domain.JobStatusCompleted)

	// Purge the artifact behind the completed job.
	path := filepath.Join(f.dir, filepath.FromSlash(job.ResultRef))
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	view, err := f.svc.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != StateResultExpired {
		t.Fatalf("state = %s, want RESULT_EXPIRED", view.State)
	}
	if view.AccessRef != "" {
		t.Fatal("no reference should be minted for a purged artifact")
	}
}
