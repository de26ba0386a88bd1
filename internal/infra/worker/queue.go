package worker

import (
	"sync"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/infra/metrics"
)

// TaskQueue is an in-process FIFO of task ids. The database is the source of
// truth for task state; losing the queue on restart is fine because waiting
// tasks are re-enqueued from the database at startup.
type TaskQueue struct {
	mu      sync.Mutex
	items   []string
	backlog int
}

// NewTaskQueue creates a queue with a soft capacity. Pushes beyond the
// backlog fail with domain.ErrQueueFull so batch creation degrades loudly
// instead of growing the slice without bound.
func NewTaskQueue(backlog int) *TaskQueue {
	return &TaskQueue{backlog: backlog}
}

func (q *TaskQueue) PushBack(ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.backlog > 0 && len(q.items)+len(ids) > q.backlog {
		return domain.ErrQueueFull
	}
	q.items = append(q.items, ids...)
	metrics.SetQueueDepth(len(q.items))
	return nil
}

// PushFront returns an id to the head of the line, used when a popped task
// cannot run yet because a concurrency cap is reached.
func (q *TaskQueue) PushFront(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]string{id}, q.items...)
	metrics.SetQueueDepth(len(q.items))
}

func (q *TaskQueue) PopFront() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	metrics.SetQueueDepth(len(q.items))
	return id, true
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
