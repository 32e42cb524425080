// Package refresh is the cache job body: it fetches a title from the
// provider, resolves its images through the image cache and writes the
// result to the metadata cache.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/imagecache"
	"github.com/wolfeidau/title-cache/metacache"
	"github.com/wolfeidau/title-cache/provider/tmdb"
	"github.com/wolfeidau/title-cache/queue"
)

// Progress steps reported while a job runs.
const (
	StepFetchingMetadata = "fetching metadata"
	StepProcessingImages = "processing images"
	StepStoringMetadata  = "storing metadata"
)

// Provider fetches normalized title metadata.
type Provider interface {
	FetchDetails(ctx context.Context, entityType titlecache.EntityType, id int64) (*titlecache.Document, error)
}

// ImageResolver resolves a batch of provider image paths.
type ImageResolver interface {
	GetCachedURLs(ctx context.Context, reqs []imagecache.Request) []imagecache.Result
}

// MetadataWriter stores a title document with its resolved image URLs.
type MetadataWriter interface {
	Put(ctx context.Context, doc *titlecache.Document, urls titlecache.ImageURLs) error
}

// Refresher runs cache jobs.
type Refresher struct {
	provider Provider
	images   ImageResolver
	metadata MetadataWriter
	logger   *slog.Logger
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) {
		r.logger = logger
	}
}

// New creates a Refresher.
func New(provider Provider, images ImageResolver, metadata MetadataWriter, opts ...Option) *Refresher {
	r := &Refresher{
		provider: provider,
		images:   images,
		metadata: metadata,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "refresh")
	return r
}

// Process runs one job. Provider and metadata write errors fail the job;
// image problems never do, the image cache falls back to provider URLs.
func (r *Refresher) Process(ctx context.Context, job queue.Job, progress queue.ProgressFunc) error {
	ref := job.Ref()
	logger := r.logger.With("jobID", job.ID)

	progress(StepFetchingMetadata)
	doc, err := r.provider.FetchDetails(ctx, ref.Type, ref.ID)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", job.ID, err)
	}

	progress(StepProcessingImages)
	refs := doc.ImageRefs()
	reqs := make([]imagecache.Request, len(refs))
	for i, ref := range refs {
		reqs[i] = imagecache.Request{Path: ref.Path, Class: ref.Class}
	}

	urls := make(titlecache.ImageURLs, len(reqs))
	for _, res := range r.images.GetCachedURLs(ctx, reqs) {
		if !res.OK {
			logger.Warn("skipping unusable image path", "path", res.Path, "class", res.Class)
			continue
		}
		urls[titlecache.ImageRef{Path: res.Path, Class: res.Class}] = res.URL
	}
	logger.Debug("images resolved", "requested", len(reqs), "resolved", len(urls))

	progress(StepStoringMetadata)
	if err := r.metadata.Put(ctx, doc, urls); err != nil {
		return fmt.Errorf("storing %s: %w", job.ID, err)
	}
	return nil
}

// Retryable classifies job errors for the queue: a title the provider does
// not know about will not appear on a retry.
func Retryable(err error) bool {
	return !errors.Is(err, tmdb.ErrNotFound) && !errors.Is(err, titlecache.ErrInvalidEntity)
}

// Compile-time interface checks
var (
	_ queue.Handler  = (*Refresher)(nil)
	_ Provider       = (*tmdb.Client)(nil)
	_ ImageResolver  = (*imagecache.Cache)(nil)
	_ MetadataWriter = (*metacache.Cache)(nil)
)
