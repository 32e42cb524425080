package queue

import (
	"sync"
	"time"
)

// Registry holds the status of every job the queue knows about. Reads take
// a shared lock and never block each other.
type Registry struct {
	mu       sync.RWMutex
	statuses map[string]*JobStatus
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{statuses: make(map[string]*JobStatus)}
}

// Get returns a copy of the status for jobID.
func (r *Registry) Get(jobID string) (JobStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[jobID]
	if !ok {
		return JobStatus{}, false
	}
	return *s, true
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.statuses)
}

// put replaces the status for s.JobID.
func (r *Registry) put(s JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[s.JobID] = &s
}

// update applies fn to the status for jobID and returns the result.
func (r *Registry) update(jobID string, fn func(*JobStatus)) (JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[jobID]
	if !ok {
		return JobStatus{}, false
	}
	fn(s)
	return *s, true
}

// Prune removes terminal statuses that finished before cutoff and returns
// how many were removed.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.statuses {
		if !s.Status.Terminal() || s.CompletedAt == nil {
			continue
		}
		if s.CompletedAt.Before(cutoff) {
			delete(r.statuses, id)
			removed++
		}
	}
	return removed
}
