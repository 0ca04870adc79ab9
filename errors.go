package main

import "errors"

// Per-participant errors. Timeout and BackendUnreachable are recoverable:
// the participant is dropped and the pipeline continues.
var (
	ErrTimeout            = errors.New("model call timed out")
	ErrBackendUnreachable = errors.New("model backend unreachable")
	ErrInvalidModel       = errors.New("model not available on backend")
)

// ErrAllModelsUnavailable is fatal: Stage 1 produced zero survivors.
var ErrAllModelsUnavailable = errors.New("all council models unavailable")

// ValidationError rejects a roster mutation. The previous roster is
// always left unchanged.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid council configuration: " + e.Reason
}

// IsValidationError reports whether err is a roster validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
