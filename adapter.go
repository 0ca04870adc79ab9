package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ModelAdapter turns (model id, message history) into text against one
// backend protocol. Implementations enforce the per-call timeout and
// perform no retries; once the timeout elapses the in-flight call is
// abandoned and the caller treats the participant as failed.
type ModelAdapter interface {
	Complete(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

// classifyTransportError maps an http.Client error onto the council
// error taxonomy: a deadline is a Timeout, everything else is
// BackendUnreachable.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
}

// classifyStatusError maps a non-200 backend status onto the taxonomy.
// A 404 means the backend does not serve the requested model.
func classifyStatusError(statusCode int, body string) error {
	if statusCode == http.StatusNotFound {
		return fmt.Errorf("%w: status %d: %s", ErrInvalidModel, statusCode, body)
	}
	return fmt.Errorf("%w: status %d: %s", ErrBackendUnreachable, statusCode, body)
}
