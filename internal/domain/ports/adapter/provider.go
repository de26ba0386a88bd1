package adapter

import "context"

// JobSpec carries everything the provider needs to start one generation.
type JobSpec struct {
	Prompt      string
	Model       string
	Orientation string
	Size        string
	Duration    int
	ImageURLs   []string
	// IdempotencyKey guards against duplicate remote jobs if a submit is
	// retried after an ambiguous failure.
	IdempotencyKey string
	// APIKey overrides the adapter's configured key when the user stored
	// their own; empty means use the global key.
	APIKey string
}

type JobState string

const (
	JobInProgress JobState = "in_progress"
	JobDone       JobState = "done"
	JobError      JobState = "error"
)

// JobStatus is a poll snapshot. Poll is idempotent and safe to call
// repeatedly for the same job id.
type JobStatus struct {
	State       JobState
	Progress    int // 0..100, best effort
	ResultRef   string
	ErrorDetail string
}

// VideoProviderAdapter abstracts the external generation API. Submit fails
// with domain.ErrProviderRejected (permanent, bad input) or
// domain.ErrProviderUnavailable (transient, network/5xx/429); this
// classification is the contract the task runner's retry logic depends on.
type VideoProviderAdapter interface {
	Name() string
	Submit(ctx context.Context, spec JobSpec) (jobID string, err error)
	Poll(ctx context.Context, jobID, apiKey string) (*JobStatus, error)
}
