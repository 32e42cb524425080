// Package queue runs cache jobs for titles one at a time.
//
// Enqueue deduplicates against work that is pending, running, waiting to be
// retried or finished within the freshness window, then inserts the job in
// priority order. A single worker drains the queue, sleeping a throttle delay
// after every job. Failed jobs are retried with exponential backoff and go
// back to the front of the queue; jobs that run out of retries are failed.
// Every transition is recorded in the Registry and published on Events.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/telemetry"
)

const (
	// DefaultFreshness is how long a completed job suppresses a new enqueue.
	DefaultFreshness = 5 * time.Minute

	// DefaultRetention is how long finished statuses stay in the registry.
	DefaultRetention = time.Hour

	// DefaultCleanupInterval is how often the registry is pruned.
	DefaultCleanupInterval = 30 * time.Minute

	// DefaultThrottle is the pause after every job.
	DefaultThrottle = 500 * time.Millisecond

	// DefaultPollInterval is how often an idle worker checks for work when
	// no wakeup arrives.
	DefaultPollInterval = 5 * time.Second

	// DefaultEventBuffer is the capacity of the events channel.
	DefaultEventBuffer = 256
)

// ProgressFunc reports a human readable progress step for the running job.
type ProgressFunc func(step string)

// Handler runs the body of a job. A returned error fails the attempt.
type Handler interface {
	Process(ctx context.Context, job Job, progress ProgressFunc) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job, progress ProgressFunc) error

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, job Job, progress ProgressFunc) error {
	return f(ctx, job, progress)
}

// PriorityPolicy decides what a duplicate enqueue does to a pending job.
type PriorityPolicy int

const (
	// PriorityKeepOriginal leaves the pending job where it is.
	PriorityKeepOriginal PriorityPolicy = iota
	// PriorityRaise moves a pending job forward when the duplicate asks for
	// a higher priority.
	PriorityRaise
)

// Queue is the job queue and its worker.
type Queue struct {
	handler         Handler
	logger          *slog.Logger
	now             func() time.Time
	policy          Policy
	classify        Classifier
	priorityPolicy  PriorityPolicy
	freshness       time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	throttle        time.Duration
	pollInterval    time.Duration

	registry *Registry
	events   *emitter
	wake     chan struct{}

	mu       sync.Mutex
	pending  []*Job
	active   *Job
	retrying map[string]*retryEntry
	running  bool
	stopped  bool

	cron   *cron.Cron
	cancel context.CancelFunc
	doneCh chan struct{}
}

type retryEntry struct {
	job   *Job
	timer *time.Timer
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithRetryPolicy sets the retry limit and base backoff.
func WithRetryPolicy(p Policy) Option {
	return func(q *Queue) {
		q.policy = p
	}
}

// WithClassifier sets the hook deciding which errors are retried.
func WithClassifier(c Classifier) Option {
	return func(q *Queue) {
		if c != nil {
			q.classify = c
		}
	}
}

// WithPriorityPolicy sets the duplicate enqueue priority policy.
func WithPriorityPolicy(p PriorityPolicy) Option {
	return func(q *Queue) {
		q.priorityPolicy = p
	}
}

// WithFreshness sets how long a completed job suppresses re-enqueue.
func WithFreshness(d time.Duration) Option {
	return func(q *Queue) {
		q.freshness = d
	}
}

// WithRetention sets how long finished statuses are kept.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) {
		q.retention = d
	}
}

// WithCleanupInterval sets how often the registry is pruned.
func WithCleanupInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.cleanupInterval = d
	}
}

// WithThrottle sets the pause after every job.
func WithThrottle(d time.Duration) Option {
	return func(q *Queue) {
		q.throttle = d
	}
}

// WithPollInterval sets the idle fallback poll.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.pollInterval = d
	}
}

// WithEventBuffer sets the events channel capacity.
func WithEventBuffer(n int) Option {
	return func(q *Queue) {
		q.events = newEmitter(n)
	}
}

// New creates a queue that runs jobs with handler. Call Start to begin work.
func New(handler Handler, opts ...Option) *Queue {
	q := &Queue{
		handler:         handler,
		logger:          slog.Default(),
		now:             time.Now,
		policy:          DefaultPolicy,
		classify:        RetryAll,
		freshness:       DefaultFreshness,
		retention:       DefaultRetention,
		cleanupInterval: DefaultCleanupInterval,
		throttle:        DefaultThrottle,
		pollInterval:    DefaultPollInterval,
		registry:        NewRegistry(),
		events:          newEmitter(DefaultEventBuffer),
		wake:            make(chan struct{}, 1),
		retrying:        make(map[string]*retryEntry),
		doneCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Events returns the channel lifecycle events are published on. It is
// closed when the queue stops.
func (q *Queue) Events() <-chan Event {
	return q.events.ch
}

// DroppedEvents returns how many events were dropped because the channel was full.
func (q *Queue) DroppedEvents() int64 {
	return q.events.dropped.Load()
}

// Registry exposes the status registry.
func (q *Queue) Registry() *Registry {
	return q.registry
}

// Start launches the worker and the registry cleanup schedule.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueClosed
	}
	if q.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", q.cleanupInterval), func() { q.Cleanup() }); err != nil {
		return fmt.Errorf("scheduling registry cleanup: %w", err)
	}
	c.Start()
	q.cron = c

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.running = true

	go q.run(runCtx)

	q.logger.Info("queue started",
		"maxRetries", q.policy.MaxRetries,
		"baseDelay", q.policy.BaseDelay,
		"throttle", q.throttle,
		"cleanupInterval", q.cleanupInterval)
	return nil
}

// Stop stops accepting work, cancels the running job and waits for the
// worker to exit or ctx to expire. Jobs still queued or waiting to be
// retried are failed with ErrQueueClosed.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	wasRunning := q.running

	abandoned := q.pending
	q.pending = nil
	for id, r := range q.retrying {
		r.timer.Stop()
		abandoned = append(abandoned, r.job)
		delete(q.retrying, id)
	}
	q.mu.Unlock()

	for _, job := range abandoned {
		q.finishFailed(job, ErrQueueClosed)
	}

	if !wasRunning {
		q.events.close()
		return nil
	}

	q.cancel()
	cronCtx := q.cron.Stop()

	select {
	case <-q.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker: %w", ctx.Err())
	}
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for cleanup: %w", ctx.Err())
	}

	q.events.close()
	q.logger.Info("queue stopped")
	return nil
}

// Enqueue schedules a cache job for the title and returns its id. If the
// same title is already queued, running, waiting to be retried or was
// completed within the freshness window, the existing id is returned and no
// work is added.
func (q *Queue) Enqueue(ctx context.Context, entityType titlecache.EntityType, entityID int64, priority int) (string, error) {
	ref, err := titlecache.NewRef(entityType, entityID)
	if err != nil {
		return "", err
	}
	jobID := ref.JobID()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}

	if q.isDuplicate(jobID, priority) {
		q.mu.Unlock()
		telemetry.RecordJobEnqueued(ctx, string(entityType), "duplicate")
		q.logger.Debug("duplicate enqueue", "jobID", jobID, "priority", priority)
		return jobID, nil
	}

	now := q.now()
	job := &Job{
		ID:         jobID,
		EntityType: entityType,
		EntityID:   entityID,
		Priority:   priority,
		CreatedAt:  now,
	}
	q.insert(job)

	status := JobStatus{
		JobID:      jobID,
		EntityType: entityType,
		EntityID:   entityID,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.registry.put(status)
	q.events.emit(EventJobEnqueued, status, now)
	q.publishStateLocked(ctx)
	q.mu.Unlock()

	telemetry.RecordJobEnqueued(ctx, string(entityType), "new")
	q.logger.Debug("job enqueued", "jobID", jobID, "priority", priority)
	q.signal()
	return jobID, nil
}

// isDuplicate reports whether jobID already has live or fresh work. It
// applies the priority policy to a pending duplicate. Caller holds q.mu.
func (q *Queue) isDuplicate(jobID string, priority int) bool {
	if q.active != nil && q.active.ID == jobID {
		return true
	}
	if _, ok := q.retrying[jobID]; ok {
		return true
	}
	for i, job := range q.pending {
		if job.ID != jobID {
			continue
		}
		if q.priorityPolicy == PriorityRaise && priority > job.Priority {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			job.Priority = priority
			q.insert(job)
		}
		return true
	}

	if s, ok := q.registry.Get(jobID); ok && s.Status == StatusCompleted && s.CompletedAt != nil {
		if q.now().Sub(*s.CompletedAt) < q.freshness {
			return true
		}
	}
	return false
}

// insert places job after every job with the same or higher priority and
// before the first job with a lower one. Caller holds q.mu.
func (q *Queue) insert(job *Job) {
	i := len(q.pending)
	for idx, p := range q.pending {
		if p.Priority < job.Priority {
			i = idx
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = job
}

// Status returns the status of a job.
func (q *Queue) Status(jobID string) (JobStatus, bool) {
	return q.registry.Get(jobID)
}

// StatusByEntity returns the status of the job for a title.
func (q *Queue) StatusByEntity(entityType titlecache.EntityType, entityID int64) (JobStatus, bool) {
	ref, err := titlecache.NewRef(entityType, entityID)
	if err != nil {
		return JobStatus{}, false
	}
	return q.registry.Get(ref.JobID())
}

// Stats returns queue counts. Total is the number of statuses in the registry.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	s := Stats{
		Pending:  len(q.pending),
		Retrying: len(q.retrying),
		Total:    q.registry.Len(),
	}
	if q.active != nil {
		s.Active = 1
	}
	return s
}

// Pending returns a snapshot of the queued jobs in dispatch order.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.pending))
	for i, j := range q.pending {
		out[i] = *j
	}
	return out
}

// Cleanup prunes finished statuses older than the retention window and
// returns how many were removed.
func (q *Queue) Cleanup() int {
	start := time.Now()
	removed := q.registry.Prune(q.now().Add(-q.retention))
	telemetry.RecordRegistryCleanup(context.Background(), removed, time.Since(start))
	if removed > 0 {
		q.logger.Info("pruned job statuses", "removed", removed)
	}
	return removed
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)

	poll := time.NewTimer(q.pollInterval)
	defer poll.Stop()

	for {
		job := q.next()
		if job == nil {
			poll.Reset(q.pollInterval)
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-poll.C:
			}
			continue
		}

		q.process(ctx, job)

		if q.throttle > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.throttle):
			}
		}
	}
}

// next pops the head of the queue and marks it active.
func (q *Queue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 || q.stopped {
		return nil
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	now := q.now()
	job.StartedAt = &now
	q.active = job

	status, _ := q.registry.update(job.ID, func(s *JobStatus) {
		s.Status = StatusActive
		s.Progress = ""
		s.RetryCount = job.RetryCount
		s.UpdatedAt = now
	})
	q.events.emit(EventJobStatusChanged, status, now)
	q.publishStateLocked(context.Background())
	return job
}

func (q *Queue) process(ctx context.Context, job *Job) {
	logger := q.logger.With("jobID", job.ID, "attempt", job.RetryCount+1)
	logger.Info("processing job")

	jobCtx := telemetry.WithEntityType(ctx, string(job.EntityType))
	start := time.Now()
	err := q.runHandler(jobCtx, job)
	duration := time.Since(start)

	if err == nil {
		telemetry.RecordJobAttempt(jobCtx, string(job.EntityType), "success", duration)
		q.finishCompleted(job)
		logger.Info("job completed", "duration", duration)
		return
	}

	telemetry.RecordJobAttempt(jobCtx, string(job.EntityType), "error", duration)
	job.LastError = err.Error()

	if ctx.Err() != nil || !q.classify(err) || job.RetryCount >= q.policy.MaxRetries {
		logger.Error("job failed", "error", err, "retries", job.RetryCount)
		q.finishFailed(job, err)
		return
	}

	logger.Warn("job attempt failed, retrying",
		"error", err, "retry", job.RetryCount+1, "delay", q.policy.Delay(job.RetryCount+1))
	q.scheduleRetry(job)
}

// runHandler calls the handler, turning a panic into an error.
func (q *Queue) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "jobID", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	progress := func(step string) {
		now := q.now()
		status, ok := q.registry.update(job.ID, func(s *JobStatus) {
			s.Progress = step
			s.UpdatedAt = now
		})
		if ok {
			q.events.emit(EventJobStatusChanged, status, now)
		}
	}
	return q.handler.Process(ctx, *job, progress)
}

func (q *Queue) scheduleRetry(job *Job) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.finishFailed(job, ErrQueueClosed)
		return
	}

	job.RetryCount++
	delay := q.policy.Delay(job.RetryCount)
	now := q.now()

	if q.active == job {
		q.active = nil
	}
	q.retrying[job.ID] = &retryEntry{
		job:   job,
		timer: time.AfterFunc(delay, func() { q.requeue(job.ID) }),
	}
	status, _ := q.registry.update(job.ID, func(s *JobStatus) {
		s.Status = StatusPending
		s.Progress = fmt.Sprintf("retry %d of %d in %s", job.RetryCount, q.policy.MaxRetries, delay)
		s.RetryCount = job.RetryCount
		s.UpdatedAt = now
	})
	q.events.emit(EventJobStatusChanged, status, now)
	q.publishStateLocked(context.Background())
	q.mu.Unlock()

	telemetry.RecordJobRetry(context.Background(), string(job.EntityType), job.RetryCount)
}

// requeue moves a job out of backoff to the front of the queue.
func (q *Queue) requeue(jobID string) {
	q.mu.Lock()
	r, ok := q.retrying[jobID]
	if !ok || q.stopped {
		q.mu.Unlock()
		return
	}
	delete(q.retrying, jobID)
	q.pending = append([]*Job{r.job}, q.pending...)
	q.publishStateLocked(context.Background())
	q.mu.Unlock()

	q.logger.Debug("job requeued", "jobID", jobID, "retry", r.job.RetryCount)
	q.signal()
}

func (q *Queue) finishCompleted(job *Job) {
	now := q.now()
	job.CompletedAt = &now

	q.mu.Lock()
	if q.active == job {
		q.active = nil
	}
	status, _ := q.registry.update(job.ID, func(s *JobStatus) {
		s.Status = StatusCompleted
		s.Progress = ""
		s.Error = ""
		s.RetryCount = job.RetryCount
		s.UpdatedAt = now
		s.CompletedAt = &now
	})
	q.events.emit(EventJobCompleted, status, now)
	q.publishStateLocked(context.Background())
	q.mu.Unlock()

	telemetry.RecordJobFinished(context.Background(), string(job.EntityType), string(StatusCompleted), job.RetryCount)
}

func (q *Queue) finishFailed(job *Job, cause error) {
	now := q.now()
	job.CompletedAt = &now
	job.LastError = cause.Error()

	q.mu.Lock()
	if q.active == job {
		q.active = nil
	}
	status, _ := q.registry.update(job.ID, func(s *JobStatus) {
		s.Status = StatusFailed
		s.Progress = ""
		s.Error = job.LastError
		s.RetryCount = job.RetryCount
		s.UpdatedAt = now
		s.CompletedAt = &now
	})
	q.events.emit(EventJobFailed, status, now)
	q.publishStateLocked(context.Background())
	q.mu.Unlock()

	telemetry.RecordJobFinished(context.Background(), string(job.EntityType), string(StatusFailed), job.RetryCount)
}

// publishStateLocked updates the queue depth gauge. Caller holds q.mu.
func (q *Queue) publishStateLocked(ctx context.Context) {
	s := q.statsLocked()
	telemetry.UpdateQueueState(ctx, s.Pending, s.Active, s.Retrying)
}
