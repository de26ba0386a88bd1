package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Orientation string

const (
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
)

// BatchStatus is never stored; it is derived from the task histogram on read.
type BatchStatus string

const (
	BatchStatusQueued        BatchStatus = "queued"
	BatchStatusRunning       BatchStatus = "running"
	BatchStatusPartialFailed BatchStatus = "partial_failed"
	BatchStatusCompleted     BatchStatus = "completed"
)

// Batch is a user request that fans out into NumVideos tasks sharing one
// prompt/parameter set. It owns exactly NumVideos task rows, created in the
// same transaction as the credit reservation.
type Batch struct {
	ID          string
	UserID      string
	Prompt      string
	Model       string
	Orientation Orientation
	Size        string
	Duration    int
	NumVideos   int
	ImageRef    string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func NewBatchID() string { return ulid.Make().String() }

// TaskCounts is a histogram of a batch's task statuses.
type TaskCounts struct {
	Pending   int
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

func (c TaskCounts) Total() int {
	return c.Pending + c.Queued + c.Running + c.Completed + c.Failed + c.Cancelled
}

func (c *TaskCounts) Add(s TaskStatus, n int) {
	switch s {
	case TaskStatusPending:
		c.Pending += n
	case TaskStatusQueued:
		c.Queued += n
	case TaskStatusRunning:
		c.Running += n
	case TaskStatusCompleted:
		c.Completed += n
	case TaskStatusFailed:
		c.Failed += n
	case TaskStatusCancelled:
		c.Cancelled += n
	}
}

// DeriveBatchStatus is the single source of truth for the aggregate state of
// a batch. It is a pure function of the histogram so the API layer, the
// runner and the tests can never drift apart:
//
//	running         any task still queued or running
//	partial_failed  nothing in flight, at least one failed
//	completed       every task completed
//	queued          everything else (fresh pending set, or cancelled mixes)
func DeriveBatchStatus(c TaskCounts) BatchStatus {
	if c.Running > 0 || c.Queued > 0 {
		return BatchStatusRunning
	}
	if c.Failed > 0 {
		return BatchStatusPartialFailed
	}
	if c.Completed > 0 && c.Completed == c.Total() {
		return BatchStatusCompleted
	}
	return BatchStatusQueued
}
