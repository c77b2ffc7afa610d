package scheduling

import (
	"errors"
)

var (
	// ErrCancelled indicates that a task was rejected because the engine is shutting down.
	ErrCancelled = errors.New("task cancelled: engine is shutting down")

	// ErrEngineNotRunning indicates an operation that requires a running scheduler thread.
	ErrEngineNotRunning = errors.New("execution engine is not running")

	// ErrEngineAlreadyRunning indicates a second StartScheduler call on a running engine.
	ErrEngineAlreadyRunning = errors.New("execution engine is already running")

	// ErrNoSuchSession indicates that an operation referenced an unknown session handle.
	ErrNoSuchSession = errors.New("no session with the specified handle exists")

	// ErrInvalidSchedulingPolicy indicates that no policy matches the configured name.
	ErrInvalidSchedulingPolicy = errors.New("invalid scheduling policy specified")
)
