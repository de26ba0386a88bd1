package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/ports/adapter"
)

var _ adapter.VideoProviderAdapter = (*NoopProvider)(nil)

// NoopProvider implements adapter.VideoProviderAdapter for local/dev runs.
// Jobs complete after a fixed number of polls instead of real generation.
type NoopProvider struct {
	mu       sync.Mutex
	jobs     map[string]*noopJob
	byIdem   map[string]string
	pollsToD int
	// FailPrompt makes any job whose prompt contains this substring fail,
	// so failure paths can be exercised without a real provider.
	FailPrompt string
}

type noopJob struct {
	polls  int
	prompt string
}

func NewNoopProvider() *NoopProvider {
	return &NoopProvider{
		jobs:     make(map[string]*noopJob),
		byIdem:   make(map[string]string),
		pollsToD: 2,
	}
}

func (p *NoopProvider) Name() string { return "noop" }

func (p *NoopProvider) Submit(ctx context.Context, spec adapter.JobSpec) (string, error) {
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if spec.IdempotencyKey != "" {
		if id, ok := p.byIdem[spec.IdempotencyKey]; ok {
			return id, nil
		}
	}
	id := "noop-" + uuid.NewString()
	p.jobs[id] = &noopJob{prompt: spec.Prompt}
	if spec.IdempotencyKey != "" {
		p.byIdem[spec.IdempotencyKey] = id
	}
	return id, nil
}

func (p *NoopProvider) Poll(ctx context.Context, jobID, apiKey string) (*adapter.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job %s", domain.ErrProviderRejected, jobID)
	}
	j.polls++
	if j.polls < p.pollsToD {
		return &adapter.JobStatus{State: adapter.JobInProgress, Progress: j.polls * 100 / p.pollsToD}, nil
	}
	if p.FailPrompt != "" && strings.Contains(j.prompt, p.FailPrompt) {
		return &adapter.JobStatus{State: adapter.JobError, ErrorDetail: "noop: simulated failure"}, nil
	}
	return &adapter.JobStatus{
		State:     adapter.JobDone,
		Progress:  100,
		ResultRef: "https://example.invalid/videos/" + jobID + ".mp4",
	}, nil
}
