package jobstore

import (
	"context"
	"sync"
	"time"

	"genjobs/internal/domain"
)

// Memory is an in-process Store for tests and development environments
// where PostgreSQL is not available. All operations take the same
// compare-and-set view as the Postgres implementation.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	byKey      map[string]string
	claims     map[string]time.Time
	allowReuse bool
}

// NewMemory creates an empty in-memory job store.
func NewMemory(allowReuse bool) *Memory {
	return &Memory{
		jobs:       make(map[string]*domain.Job),
		byKey:      make(map[string]string),
		claims:     make(map[string]time.Time),
		allowReuse: allowReuse,
	}
}

func (s *Memory) Create(_ context.Context, job *domain.Job) (bool, *domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[job.IdempotencyKey]; ok {
		existing := s.jobs[id]
		if existing != nil {
			if s.allowReuse && existing.Expired(time.Now()) {
				delete(s.jobs, id)
				delete(s.byKey, job.IdempotencyKey)
			} else {
				cp := *existing
				return false, &cp, nil
			}
		}
	}

	cp := *job
	s.jobs[job.ID] = &cp
	s.byKey[job.IdempotencyKey] = job.ID
	return true, nil, nil
}

func (s *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Memory) Claim(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusPending {
		return nil, domain.ErrConflict
	}
	now := time.Now()
	job.Status = domain.JobStatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	s.claims[id] = now
	job.AttemptCount++
	cp := *job
	return &cp, nil
}

func (s *Memory) Complete(_ context.Context, id, resultRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return domain.ErrConflict
	}
	now := time.Now()
	job.Status = domain.JobStatusCompleted
	job.ResultRef = resultRef
	job.CompletedAt = &now
	return nil
}

func (s *Memory) Fail(_ context.Context, id string, from domain.JobStatus, jobErr domain.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != from {
		return domain.ErrConflict
	}
	now := time.Now()
	job.Status = domain.JobStatusFailed
	job.Error = &domain.JobError{Code: jobErr.Code, Message: jobErr.Message}
	job.CompletedAt = &now
	return nil
}

func (s *Memory) Release(_ context.Context, id string, _ domain.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return domain.ErrConflict
	}
	job.Status = domain.JobStatusPending
	return nil
}

func (s *Memory) ReleaseStale(_ context.Context, cutoff time.Time, maxAttempts int) ([]*domain.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []*domain.Job
	failed := 0
	for id, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing {
			continue
		}
		claimedAt, ok := s.claims[id]
		if !ok || !claimedAt.Before(cutoff) {
			continue
		}
		if job.AttemptCount >= maxAttempts {
			now := time.Now()
			job.Status = domain.JobStatusFailed
			job.Error = &domain.JobError{
				Code:    domain.ErrCodeAttemptsExhausted,
				Message: "worker lost with attempts exhausted",
			}
			job.CompletedAt = &now
			failed++
			continue
		}
		job.Status = domain.JobStatusPending
		cp := *job
		released = append(released, &cp)
	}
	return released, failed, nil
}

func (s *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Expired(now) {
			delete(s.jobs, id)
			delete(s.byKey, job.IdempotencyKey)
			delete(s.claims, id)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*Memory)(nil)
