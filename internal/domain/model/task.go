package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further runner-driven transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo encodes the monotonic ordering
// pending -> queued -> running -> {completed|failed|cancelled}.
// The single backward edge is failed -> queued, used only by explicit retry.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusQueued || next == TaskStatusRunning ||
			next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusFailed:
		return next == TaskStatusQueued
	}
	return false
}

// Task is one provider-side generation job. Generation parameters are
// denormalized from the parent batch so a worker never needs the batch row.
type Task struct {
	ID          string
	BatchID     string
	UserID      string
	Prompt      string
	Model       string
	Orientation Orientation
	Size        string
	Duration    int
	ImageRef    string

	Status        TaskStatus
	ProviderJobID string
	ResultRef     string
	ErrorSummary  string
	Retries       int

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// NewTaskID returns a ULID: lexicographic order follows creation time, which
// keeps (created_at, id) pagination stable.
func NewTaskID() string { return ulid.Make().String() }
