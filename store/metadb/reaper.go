package metadb

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/title-cache/telemetry"
)

// ExpiryReaper runs periodic removal of store entries whose expiry has passed.
type ExpiryReaper struct {
	store     Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// ReaperOption configures an ExpiryReaper.
type ReaperOption func(*ExpiryReaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *ExpiryReaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries to process per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *ExpiryReaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *ExpiryReaper) {
		r.logger = logger
	}
}

// WithReaperNow sets the time function for testing.
func WithReaperNow(now func() time.Time) ReaperOption {
	return func(r *ExpiryReaper) {
		r.now = now
	}
}

// NewExpiryReaper creates a new expiry reaper with the given options.
// Defaults: interval=5m, batchSize=100.
func NewExpiryReaper(store Store, opts ...ReaperOption) *ExpiryReaper {
	r := &ExpiryReaper{
		store:     store,
		interval:  5 * time.Minute,
		batchSize: 100,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *ExpiryReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("expiry reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("expiry reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

// reapBatch removes one batch of expired entries.
func (r *ExpiryReaper) reapBatch(ctx context.Context) int {
	start := time.Now()

	deleted, err := r.store.DeleteExpired(ctx, r.now(), r.batchSize)
	telemetry.RecordReaperCycle(ctx, "expiry", deleted, time.Since(start))
	if err != nil {
		r.logger.Error("failed to reap expired entries", "error", err)
		return deleted
	}

	if deleted > 0 {
		r.logger.Info("expired entries reaped", "deleted", deleted)
	}
	return deleted
}

// ReapNow runs a single reap cycle immediately and returns how many
// entries were removed.
func (r *ExpiryReaper) ReapNow(ctx context.Context) int {
	return r.reapBatch(ctx)
}
