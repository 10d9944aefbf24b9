package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateKey      = errors.New("duplicate idempotency key")
	ErrConflict          = errors.New("conflicting state transition")
	ErrResultExpired     = errors.New("result expired")
	ErrResultExists      = errors.New("result already written")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid state transition")
)
