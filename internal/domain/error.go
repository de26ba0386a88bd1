package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound            = errors.New("entity not found")
	ErrAlreadyExists       = errors.New("entity already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidExecContext  = errors.New("invalid executor context")
	ErrReadDatabaseRow     = errors.New("could not read database row")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRateLimited         = errors.New("batch creation rate limit exceeded")
	ErrQueueFull           = errors.New("task queue backlog is full")

	// Provider error classes. The task runner retries unavailable with
	// backoff and terminates the task on rejected.
	ErrProviderRejected    = errors.New("provider rejected the job")
	ErrProviderUnavailable = errors.New("provider temporarily unavailable")
	ErrPollTimeout         = errors.New("provider job exceeded max poll duration")

	// Task lifecycle errors
	ErrTaskNotRetryable   = errors.New("only failed tasks can be retried")
	ErrTaskNotCancellable = errors.New("task is already terminal")
)
