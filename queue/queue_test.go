package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	titlecache "github.com/wolfeidau/title-cache"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is a handler that records the jobs it ran.
type recorder struct {
	mu   sync.Mutex
	ran  []string
	fail func(job Job) error
}

func (r *recorder) Process(ctx context.Context, job Job, progress ProgressFunc) error {
	r.mu.Lock()
	r.ran = append(r.ran, job.ID)
	fail := r.fail
	r.mu.Unlock()

	progress("fetching metadata")
	if fail != nil {
		return fail(job)
	}
	return nil
}

func (r *recorder) jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func (r *recorder) count(jobID string) int {
	n := 0
	for _, id := range r.jobs() {
		if id == jobID {
			n++
		}
	}
	return n
}

func fastOptions(opts ...Option) []Option {
	return append([]Option{
		WithThrottle(0),
		WithPollInterval(10 * time.Millisecond),
		WithRetryPolicy(Policy{MaxRetries: 3, BaseDelay: time.Millisecond}),
	}, opts...)
}

func startQueue(t *testing.T, h Handler, opts ...Option) *Queue {
	t.Helper()
	q := New(h, fastOptions(opts...)...)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func waitForStatus(t *testing.T, q *Queue, jobID string, want Status) JobStatus {
	t.Helper()
	var got JobStatus
	require.Eventually(t, func() bool {
		s, ok := q.Status(jobID)
		got = s
		return ok && s.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return got
}

func pendingIDs(q *Queue) []string {
	var ids []string
	for _, j := range q.Pending() {
		ids = append(ids, j.ID)
	}
	return ids
}

func TestEnqueue_Idempotent(t *testing.T) {
	q := New(&recorder{})
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, titlecache.Movie, 550, 1)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, titlecache.Movie, 550, 1)
	require.NoError(t, err)

	assert.Equal(t, "movie:550", id1)
	assert.Equal(t, id1, id2)
	assert.Equal(t, Stats{Pending: 1, Total: 1}, q.Stats())

	s, ok := q.Status(id1)
	require.True(t, ok)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, titlecache.Movie, s.EntityType)
	assert.Equal(t, int64(550), s.EntityID)
}

func TestEnqueue_ConcurrentCallers(t *testing.T) {
	q := New(&recorder{})
	ctx := context.Background()

	refs := []titlecache.Ref{
		{Type: titlecache.Movie, ID: 550},
		{Type: titlecache.Movie, ID: 603},
		{Type: titlecache.TV, ID: 1399},
		{Type: titlecache.TV, ID: 550},
	}
	const callersPerRef = 16

	ids := make([][]string, len(refs))
	for i := range ids {
		ids[i] = make([]string, callersPerRef)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, ref := range refs {
		for n := range callersPerRef {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				id, err := q.Enqueue(ctx, ref.Type, ref.ID, n%3)
				assert.NoError(t, err)
				ids[i][n] = id
			}()
		}
	}
	close(start)
	wg.Wait()

	for i, ref := range refs {
		for _, id := range ids[i] {
			require.Equal(t, ref.JobID(), id)
		}
	}
	assert.Equal(t, len(refs), q.Stats().Pending)
	assert.Equal(t, len(refs), q.Stats().Total)
	assert.Len(t, q.Pending(), len(refs))
	assert.Equal(t, len(refs), q.Registry().Len())
}

func TestEnqueue_InvalidEntity(t *testing.T) {
	q := New(&recorder{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, titlecache.EntityType("person"), 1, 0)
	require.ErrorIs(t, err, ErrInvalidEntity)
	_, err = q.Enqueue(ctx, titlecache.Movie, 0, 0)
	require.ErrorIs(t, err, ErrInvalidEntity)
	_, err = q.Enqueue(ctx, titlecache.TV, -1, 0)
	require.ErrorIs(t, err, ErrInvalidEntity)

	assert.Zero(t, q.Stats().Total)
}

func TestEnqueue_StablePriorityOrder(t *testing.T) {
	q := New(&recorder{})
	ctx := context.Background()

	for _, e := range []struct {
		id       int64
		priority int
	}{
		{1, 1}, {2, 5}, {3, 5}, {4, 1}, {5, 10}, {6, 0},
	} {
		_, err := q.Enqueue(ctx, titlecache.Movie, e.id, e.priority)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"movie:5", "movie:2", "movie:3", "movie:1", "movie:4", "movie:6"}, pendingIDs(q))
}

func TestEnqueue_DuplicatePriorityPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("keep original", func(t *testing.T) {
		q := New(&recorder{})
		_, _ = q.Enqueue(ctx, titlecache.Movie, 1, 5)
		_, _ = q.Enqueue(ctx, titlecache.Movie, 2, 1)

		id, err := q.Enqueue(ctx, titlecache.Movie, 2, 10)
		require.NoError(t, err)
		assert.Equal(t, "movie:2", id)
		assert.Equal(t, []string{"movie:1", "movie:2"}, pendingIDs(q))
		assert.Equal(t, 1, q.Pending()[1].Priority)
	})

	t.Run("raise", func(t *testing.T) {
		q := New(&recorder{}, WithPriorityPolicy(PriorityRaise))
		_, _ = q.Enqueue(ctx, titlecache.Movie, 1, 5)
		_, _ = q.Enqueue(ctx, titlecache.Movie, 2, 1)
		_, _ = q.Enqueue(ctx, titlecache.Movie, 3, 10)

		id, err := q.Enqueue(ctx, titlecache.Movie, 2, 10)
		require.NoError(t, err)
		assert.Equal(t, "movie:2", id)
		// joins the back of its new priority band
		assert.Equal(t, []string{"movie:3", "movie:2", "movie:1"}, pendingIDs(q))

		// a lower priority never demotes
		_, _ = q.Enqueue(ctx, titlecache.Movie, 3, 0)
		assert.Equal(t, []string{"movie:3", "movie:2", "movie:1"}, pendingIDs(q))
	})
}

func TestWorker_HigherPriorityRunsFirst(t *testing.T) {
	rec := &recorder{}
	q := New(rec, fastOptions()...)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, titlecache.Movie, 1, 1)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, titlecache.Movie, 2, 5)
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	waitForStatus(t, q, "movie:1", StatusCompleted)
	assert.Equal(t, []string{"movie:2", "movie:1"}, rec.jobs())
}

func TestWorker_CompletesJob(t *testing.T) {
	clock := newTestClock()
	rec := &recorder{}
	q := startQueue(t, rec, WithNow(clock.Now))

	id, err := q.Enqueue(context.Background(), titlecache.Movie, 550, 0)
	require.NoError(t, err)

	s := waitForStatus(t, q, id, StatusCompleted)
	require.NotNil(t, s.CompletedAt)
	assert.Empty(t, s.Error)
	assert.Zero(t, s.RetryCount)
	assert.Equal(t, Stats{Total: 1}, q.Stats())
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	rec := &recorder{fail: func(Job) error { return errors.New("provider unavailable") }}
	q := startQueue(t, rec)

	id, err := q.Enqueue(context.Background(), titlecache.TV, 9999, 0)
	require.NoError(t, err)

	s := waitForStatus(t, q, id, StatusFailed)
	assert.Equal(t, 3, s.RetryCount)
	assert.Equal(t, "provider unavailable", s.Error)
	require.NotNil(t, s.CompletedAt)

	// one first attempt plus three retries, and nothing after that
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, rec.count(id))
	assert.Equal(t, Stats{Total: 1}, q.Stats())
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	rec := &recorder{fail: func(Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("timeout")
		}
		return nil
	}}
	q := startQueue(t, rec)

	id, err := q.Enqueue(context.Background(), titlecache.Movie, 550, 0)
	require.NoError(t, err)

	s := waitForStatus(t, q, id, StatusCompleted)
	assert.Equal(t, 2, s.RetryCount)
	assert.Empty(t, s.Error)
}

func TestRetry_RequeuedJobGoesToFront(t *testing.T) {
	q := New(&recorder{})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, titlecache.Movie, 2, 10)
	_, _ = q.Enqueue(ctx, titlecache.Movie, 3, 10)

	retried := &Job{ID: "movie:1", EntityType: titlecache.Movie, EntityID: 1, Priority: 0, RetryCount: 1}
	q.mu.Lock()
	q.retrying[retried.ID] = &retryEntry{job: retried, timer: time.AfterFunc(time.Hour, func() {})}
	q.mu.Unlock()

	// waiting in backoff counts as live work
	id, err := q.Enqueue(ctx, titlecache.Movie, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "movie:1", id)
	assert.Equal(t, Stats{Pending: 2, Retrying: 1, Total: 2}, q.Stats())

	q.requeue(retried.ID)
	assert.Equal(t, []string{"movie:1", "movie:2", "movie:3"}, pendingIDs(q))
	assert.Zero(t, q.Stats().Retrying)
}

func TestRetry_ClassifierStopsRetries(t *testing.T) {
	errNotFound := errors.New("not found")
	rec := &recorder{fail: func(Job) error { return errNotFound }}
	q := startQueue(t, rec, WithClassifier(func(err error) bool {
		return !errors.Is(err, errNotFound)
	}))

	id, err := q.Enqueue(context.Background(), titlecache.Movie, 404, 0)
	require.NoError(t, err)

	s := waitForStatus(t, q, id, StatusFailed)
	assert.Zero(t, s.RetryCount)
	assert.Equal(t, 1, rec.count(id))
}

func TestFreshnessWindow(t *testing.T) {
	clock := newTestClock()
	rec := &recorder{}
	q := startQueue(t, rec, WithNow(clock.Now))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, titlecache.Movie, 550, 0)
	require.NoError(t, err)
	waitForStatus(t, q, id, StatusCompleted)

	clock.Advance(DefaultFreshness - time.Second)
	again, err := q.Enqueue(ctx, titlecache.Movie, 550, 0)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Zero(t, q.Stats().Pending)

	s, _ := q.Status(id)
	assert.Equal(t, StatusCompleted, s.Status)

	clock.Advance(2 * time.Second)
	_, err = q.Enqueue(ctx, titlecache.Movie, 550, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count(id) == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestFailedJobIsNotSuppressed(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	rec := &recorder{fail: func(Job) error {
		if fail.Load() {
			return errors.New("boom")
		}
		return nil
	}}
	q := startQueue(t, rec, WithRetryPolicy(Policy{MaxRetries: 0, BaseDelay: time.Millisecond}))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, titlecache.Movie, 7, 0)
	require.NoError(t, err)
	waitForStatus(t, q, id, StatusFailed)

	fail.Store(false)
	_, err = q.Enqueue(ctx, titlecache.Movie, 7, 0)
	require.NoError(t, err)

	s := waitForStatus(t, q, id, StatusCompleted)
	assert.Empty(t, s.Error)
	assert.Equal(t, 2, rec.count(id))
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	rec := &recorder{fail: func(job Job) error {
		if job.EntityID == 1 {
			panic("nil map")
		}
		return nil
	}}
	q := startQueue(t, rec, WithRetryPolicy(Policy{MaxRetries: 0}))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, titlecache.Movie, 1, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, titlecache.Movie, 2, 0)
	require.NoError(t, err)

	s := waitForStatus(t, q, "movie:1", StatusFailed)
	assert.Contains(t, s.Error, "job panicked: nil map")
	waitForStatus(t, q, "movie:2", StatusCompleted)
}

func TestEvents_Lifecycle(t *testing.T) {
	q := startQueue(t, &recorder{})

	id, err := q.Enqueue(context.Background(), titlecache.Movie, 550, 0)
	require.NoError(t, err)
	waitForStatus(t, q, id, StatusCompleted)

	var kinds []EventKind
	var progress []string
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case ev := <-q.Events():
			assert.Equal(t, id, ev.JobID)
			assert.NotEmpty(t, ev.ID)
			kinds = append(kinds, ev.Kind)
			if ev.Progress != "" {
				progress = append(progress, ev.Progress)
			}
			done = ev.Kind == EventJobCompleted
		case <-timeout:
			t.Fatal("no completion event")
		}
	}

	assert.Equal(t, []EventKind{
		EventJobEnqueued,
		EventJobStatusChanged, // active
		EventJobStatusChanged, // progress
		EventJobCompleted,
	}, kinds)
	assert.Equal(t, []string{"fetching metadata"}, progress)

	select {
	case ev := <-q.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestEvents_DroppedWhenFull(t *testing.T) {
	q := New(&recorder{}, WithEventBuffer(1))
	ctx := context.Background()

	for i := range 3 {
		_, err := q.Enqueue(ctx, titlecache.Movie, int64(i+1), 0)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), q.DroppedEvents())
	assert.Len(t, q.Events(), 1)
}

func TestStop(t *testing.T) {
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, job Job, progress ProgressFunc) error {
		if job.EntityID == 1 {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	q := New(h, fastOptions()...)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	_, err := q.Enqueue(ctx, titlecache.Movie, 1, 0)
	require.NoError(t, err)
	<-started
	_, err = q.Enqueue(ctx, titlecache.Movie, 2, 0)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(stopCtx))

	active, ok := q.Status("movie:1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, active.Status)
	assert.Contains(t, active.Error, context.Canceled.Error())
	assert.Zero(t, active.RetryCount)

	queued, ok := q.Status("movie:2")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, queued.Status)
	assert.Equal(t, ErrQueueClosed.Error(), queued.Error)

	_, err = q.Enqueue(ctx, titlecache.Movie, 3, 0)
	require.ErrorIs(t, err, ErrQueueClosed)

	// events channel is closed once drained
	for range q.Events() {
	}

	require.NoError(t, q.Stop(ctx))
	require.ErrorIs(t, q.Start(ctx), ErrQueueClosed)
}

func TestStop_AbandonsRetryingJobs(t *testing.T) {
	rec := &recorder{fail: func(Job) error { return errors.New("down") }}
	q := startQueue(t, rec, WithRetryPolicy(Policy{MaxRetries: 3, BaseDelay: time.Hour}))

	id, err := q.Enqueue(context.Background(), titlecache.Movie, 1, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Stats().Retrying == 1 }, 5*time.Second, 5*time.Millisecond)

	s, _ := q.Status(id)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, 1, s.RetryCount)

	require.NoError(t, q.Stop(context.Background()))

	s, _ = q.Status(id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, Stats{Total: 1}, q.Stats())
}

func TestCleanup(t *testing.T) {
	clock := newTestClock()
	q := startQueue(t, &recorder{}, WithNow(clock.Now))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, titlecache.Movie, 1, 0)
	require.NoError(t, err)
	waitForStatus(t, q, id, StatusCompleted)

	clock.Advance(30 * time.Minute)
	assert.Zero(t, q.Cleanup())

	// a newer pending job survives cleanup
	require.NoError(t, q.Stop(ctx))
	q2 := New(&recorder{}, WithNow(clock.Now))
	_, err = q2.Enqueue(ctx, titlecache.Movie, 2, 0)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, q.Cleanup())
	_, ok := q.Status(id)
	assert.False(t, ok)

	clock.Advance(2 * time.Hour)
	assert.Zero(t, q2.Cleanup())
	_, ok = q2.Status("movie:2")
	assert.True(t, ok)
}

func TestStatusByEntity(t *testing.T) {
	q := New(&recorder{})
	_, err := q.Enqueue(context.Background(), titlecache.TV, 1399, 0)
	require.NoError(t, err)

	s, ok := q.StatusByEntity(titlecache.TV, 1399)
	require.True(t, ok)
	assert.Equal(t, "tv:1399", s.JobID)

	_, ok = q.StatusByEntity(titlecache.Movie, 1399)
	assert.False(t, ok)
	_, ok = q.StatusByEntity("book", 1)
	assert.False(t, ok)
}

func TestPolicyDelay(t *testing.T) {
	assert.Equal(t, time.Second, DefaultPolicy.Delay(1))
	assert.Equal(t, 2*time.Second, DefaultPolicy.Delay(2))
	assert.Equal(t, 4*time.Second, DefaultPolicy.Delay(3))
	assert.Equal(t, time.Second, DefaultPolicy.Delay(0))
}
