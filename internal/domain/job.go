package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether from → to is a legal lifecycle step.
// The machine is PENDING → PROCESSING → {COMPLETED | FAILED}, with
// PROCESSING → PENDING allowed so a worker can hand a recoverable
// failure back for redelivery, and PENDING → FAILED allowed so the
// gateway can abort a job whose enqueue never happened.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusPending
	default:
		return false
	}
}

// ErrorCode classifies job failures for clients and operators.
type ErrorCode string

const (
	ErrCodeGenerationTimeout ErrorCode = "GENERATION_TIMEOUT"
	ErrCodeGenerationFailed  ErrorCode = "GENERATION_FAILED"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeEnqueueFailed     ErrorCode = "ENQUEUE_FAILED"
	ErrCodeAttemptsExhausted ErrorCode = "ATTEMPTS_EXHAUSTED"
)

// JobError is the structured error recorded on a FAILED job.
type JobError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Job encapsulates the lifecycle of one generation request.
type Job struct {
	ID             string
	IdempotencyKey string
	Status         JobStatus
	Input          json.RawMessage
	ResultRef      string
	Error          *JobError
	AttemptCount   int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the job record is past its TTL at the given
// instant. Expired records may still exist in storage pending sweep.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}

// Message is the queue envelope referencing a job. The payload lives in
// the job record; the queue only carries enough to find it again.
type Message struct {
	JobID string          `json:"job_id"`
	Input json.RawMessage `json:"input,omitempty"`
}
