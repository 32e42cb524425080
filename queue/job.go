package queue

import (
	"errors"
	"time"

	titlecache "github.com/wolfeidau/title-cache"
)

var (
	// ErrInvalidEntity is returned by Enqueue for a malformed entity type or id.
	ErrInvalidEntity = titlecache.ErrInvalidEntity

	// ErrQueueClosed is returned by Enqueue once the queue has been stopped.
	ErrQueueClosed = errors.New("queue closed")
)

// Job is a unit of cache work for one title.
type Job struct {
	ID          string                `json:"id"`
	EntityType  titlecache.EntityType `json:"entity_type"`
	EntityID    int64                 `json:"entity_id"`
	Priority    int                   `json:"priority"`
	RetryCount  int                   `json:"retry_count"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
}

// Ref returns the title the job works on.
func (j *Job) Ref() titlecache.Ref {
	return titlecache.Ref{Type: j.EntityType, ID: j.EntityID}
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobStatus is the observable state of a job. Error is only set when the
// job has failed for good.
type JobStatus struct {
	JobID       string                `json:"job_id"`
	EntityType  titlecache.EntityType `json:"entity_type"`
	EntityID    int64                 `json:"entity_id"`
	Status      Status                `json:"status"`
	Progress    string                `json:"progress,omitempty"`
	Error       string                `json:"error,omitempty"`
	RetryCount  int                   `json:"retry_count"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Pending  int `json:"pending"`
	Active   int `json:"active"`
	Retrying int `json:"retrying"`
	Total    int `json:"total"`
}
