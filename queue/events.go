package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/telemetry"
)

// EventKind names a job lifecycle event.
type EventKind string

const (
	EventJobEnqueued      EventKind = "job-enqueued"
	EventJobStatusChanged EventKind = "job-status-changed"
	EventJobCompleted     EventKind = "job-completed"
	EventJobFailed        EventKind = "job-failed"
)

// Event is a job lifecycle notification.
type Event struct {
	ID         string                `json:"id"`
	Kind       EventKind             `json:"kind"`
	JobID      string                `json:"job_id"`
	EntityType titlecache.EntityType `json:"entity_type"`
	EntityID   int64                 `json:"entity_id"`
	Status     Status                `json:"status"`
	Progress   string                `json:"progress,omitempty"`
	Error      string                `json:"error,omitempty"`
	RetryCount int                   `json:"retry_count"`
	At         time.Time             `json:"at"`
}

// emitter delivers events on a buffered channel without ever blocking the
// sender. Events that do not fit are dropped and counted.
type emitter struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

func newEmitter(buffer int) *emitter {
	return &emitter{ch: make(chan Event, buffer)}
}

func (e *emitter) emit(kind EventKind, s JobStatus, at time.Time) {
	ev := Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		JobID:      s.JobID,
		EntityType: s.EntityType,
		EntityID:   s.EntityID,
		Status:     s.Status,
		Progress:   s.Progress,
		Error:      s.Error,
		RetryCount: s.RetryCount,
		At:         at,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
		telemetry.RecordEventDropped(context.Background(), string(kind), "queue")
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
