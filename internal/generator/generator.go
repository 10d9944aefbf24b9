package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Output is the artifact produced by one generation run.
type Output struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// Usage carries collaborator-reported metadata about a run. It is stored
// next to the artifact and surfaced to clients with the final status.
type Usage struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

// RecoverableError marks a failure worth retrying: timeouts, rate
// limits, transient downstream errors. The worker's retry decision is a
// function of the error kind alone.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string { return e.Err.Error() }

func (e *RecoverableError) Unwrap() error { return e.Err }

// NonRecoverableError marks a failure no retry can fix, such as input
// the collaborator rejected as invalid.
type NonRecoverableError struct {
	Err error
}

func (e *NonRecoverableError) Error() string { return e.Err.Error() }

func (e *NonRecoverableError) Unwrap() error { return e.Err }

// Recoverable reports whether err should be retried. Unknown errors are
// treated as recoverable; a retry of a genuinely broken input fails
// again and exhausts its attempts.
func Recoverable(err error) bool {
	var nonrec *NonRecoverableError
	return !errors.As(err, &nonrec)
}

// Retryable wraps err as a RecoverableError unless it already carries a
// kind.
func Retryable(err error) error {
	var rec *RecoverableError
	var nonrec *NonRecoverableError
	if errors.As(err, &rec) || errors.As(err, &nonrec) {
		return err
	}
	return &RecoverableError{Err: err}
}

// Fatal wraps err as a NonRecoverableError.
func Fatal(err error) error {
	return &NonRecoverableError{Err: err}
}

// Generator is the external generation collaborator. Implementations
// classify their failures as recoverable or non-recoverable; callers
// must not inspect anything else to decide on retries.
type Generator interface {
	Generate(ctx context.Context, input json.RawMessage) (*Output, *Usage, error)
}

// Validator checks a submission's input before any job is created.
type Validator interface {
	Validate(input json.RawMessage) error
}

// ValidateFunc adapts a function to the Validator interface.
type ValidateFunc func(input json.RawMessage) error

func (f ValidateFunc) Validate(input json.RawMessage) error { return f(input) }

// InputValidator performs the structural checks every submission must
// pass: a JSON object with a non-empty prompt.
func InputValidator(maxPromptLen int) Validator {
	return ValidateFunc(func(input json.RawMessage) error {
		var payload struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(input, &payload); err != nil {
			return fmt.Errorf("input must be a JSON object: %w", err)
		}
		if payload.Prompt == "" {
			return errors.New("prompt is required")
		}
		if maxPromptLen > 0 && len(payload.Prompt) > maxPromptLen {
			return fmt.Errorf("prompt exceeds %d bytes", maxPromptLen)
		}
		return nil
	})
}
