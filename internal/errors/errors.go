// Package errors defines the sentinel error taxonomy shared by every layer
// of the task execution engine, so callers can use errors.Is instead of
// string matching.
package errors

import "errors"

var (
	// ErrNotFound is returned by lookups for an id the owning component
	// does not (or no longer) knows about.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a caller tries to register an id
	// that is already in use within a component instance.
	ErrAlreadyExists = errors.New("already exists")

	// ErrDependencyFailure marks a task that was never run because one of
	// its dependencies failed or was cancelled.
	ErrDependencyFailure = errors.New("dependency failure")

	// ErrCircuitOpen is returned by the resilient executor when a breaker
	// is open and admission is refused without an inner attempt.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrCheckpointMissing is returned by resumeWorkflow when no
	// checkpoint exists for the given execution id.
	ErrCheckpointMissing = errors.New("no checkpoint for execution")

	// ErrNotRunning is returned by operations that require a component
	// (worker, workflow execution) to be in a running state.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidTransition is returned when a caller requests a state
	// transition that is illegal from the current state (e.g. pausing a
	// completed workflow).
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTimeout is returned by bounded waits (waitForWorkflow) that
	// exceed their deadline.
	ErrTimeout = errors.New("timed out waiting for completion")

	// ErrShutdown is returned by operations submitted after a component
	// has begun or completed shutdown.
	ErrShutdown = errors.New("component is shutting down")
)
