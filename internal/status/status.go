package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"genjobs/internal/domain"
	"genjobs/internal/jobstore"
	"genjobs/internal/resultstore"
)

// State is the client-facing view of a job's progress.
type State string

const (
	StateInProgress    State = "IN_PROGRESS"
	StateDoneOK        State = "DONE_OK"
	StateDoneFailed    State = "DONE_FAILED"
	StateNotFound      State = "NOT_FOUND"
	StateResultExpired State = "RESULT_EXPIRED"
)

// View is the response to one status poll.
type View struct {
	State       State
	JobID       string
	Status      domain.JobStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *domain.JobError

	// AccessRef is a freshly minted, time-limited reference to the
	// completed artifact. Present only on DONE_OK.
	AccessRef string

	// Metadata is the usage metadata stored with the artifact.
	Metadata json.RawMessage
}

// Service maps job state to client responses and mints access
// references for completed artifacts. It performs no writes and scales
// horizontally without coordination.
type Service struct {
	store   jobstore.Store
	results *resultstore.FileStore
	minter  *resultstore.TokenMinter
}

// New creates a status service.
func New(store jobstore.Store, results *resultstore.FileStore, minter *resultstore.TokenMinter) *Service {
	return &Service{store: store, results: results, minter: minter}
}

// GetStatus resolves the current view of a job. A job that is absent or
// past its TTL reads as NOT_FOUND; a completed job whose artifact has
// been purged reads as RESULT_EXPIRED, distinct from a generic error.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*View, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &View{State: StateNotFound, JobID: jobID}, nil
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	// Expired records pending physical deletion read the same as absent
	// ones.
	if job.Expired(time.Now()) {
		return &View{State: StateNotFound, JobID: jobID}, nil
	}

	view := &View{
		JobID:       job.ID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}

	switch job.Status {
	case domain.JobStatusPending, domain.JobStatusProcessing:
		view.State = StateInProgress
		return view, nil

	case domain.JobStatusFailed:
		view.State = StateDoneFailed
		view.Error = job.Error
		return view, nil

	case domain.JobStatusCompleted:
		data, err := s.results.Read(ctx, job.ResultRef)
		if err != nil {
			if errors.Is(err, domain.ErrResultExpired) {
				view.State = StateResultExpired
				return view, nil
			}
			return nil, fmt.Errorf("check artifact: %w", err)
		}
		ref, err := s.minter.Mint(job.ID, job.ResultRef)
		if err != nil {
			return nil, fmt.Errorf("mint access reference: %w", err)
		}
		view.State = StateDoneOK
		view.AccessRef = ref
		view.Metadata = extractUsage(data)
		return view, nil

	default:
		return nil, fmt.Errorf("job %s in unknown status %q", job.ID, job.Status)
	}
}

// extractUsage pulls the usage block out of an artifact document.
func extractUsage(artifact []byte) json.RawMessage {
	var doc struct {
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(artifact, &doc); err != nil {
		return nil
	}
	return doc.Usage
}
