// Package errs defines the error taxonomy shared by the orchestrator, worker,
// and API layers. Callers classify with errors.Is against the sentinels and
// wrap with fmt.Errorf("...: %w", ...) to preserve the class.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAgentNotEnabled means the tenant has not enabled the agent or its
	// credential bundle is missing, incomplete, or a placeholder.
	ErrAgentNotEnabled = errors.New("agent not enabled for tenant")

	// ErrInvalidInput means agent-specific required fields are absent or malformed.
	// Returned synchronously at submission; never enqueues a job.
	ErrInvalidInput = errors.New("invalid input")

	// ErrExternalServiceTimeout means a collaborator call exceeded its deadline.
	ErrExternalServiceTimeout = errors.New("external service timeout")

	// ErrExternalServiceError means a collaborator call failed for a
	// non-timeout reason.
	ErrExternalServiceError = errors.New("external service error")

	// ErrPersistenceError means a store or queue operation failed, so the
	// orchestrator cannot accept or track work. Fatal for the current job
	// or tick.
	ErrPersistenceError = errors.New("persistence error")

	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// AgentNotEnabled wraps a reason into the AgentNotEnabled class.
func AgentNotEnabled(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAgentNotEnabled, fmt.Sprintf(format, args...))
}

// InvalidInput wraps a reason into the InvalidInput class.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// External classifies an error from a collaborator call, distinguishing
// timeouts from plain failures. A nil err returns nil.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrExternalServiceTimeout) {
		return fmt.Errorf("%w: %s: %v", ErrExternalServiceTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrExternalServiceError, op, err)
}

// Persistence wraps a store failure. A nil err returns nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistenceError, op, err)
}

// Retryable reports whether a job failure should re-enter the queue with
// backoff. Only external-service failures retry; everything else is final.
func Retryable(err error) bool {
	return errors.Is(err, ErrExternalServiceTimeout) || errors.Is(err, ErrExternalServiceError)
}
