// Package imagecache resolves provider image paths to processed image URLs.
//
// A lookup for (sourcePath, class) is served from an in-process LRU, then
// from the persistent store. On a miss the image is sent through the
// Uploader under a destination id derived from the class and path, so two
// concurrent misses for the same image overwrite the same object rather
// than creating two. When the upload fails the direct provider URL is
// returned instead and nothing is recorded, so the next lookup tries again.
package imagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc/pool"

	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/store/metadb"
	"github.com/wolfeidau/title-cache/telemetry"
)

const (
	// Namespace is the store namespace image entries are kept in.
	Namespace = "images"

	// DefaultProviderBaseURL is the provider image host used for source and
	// fallback URLs.
	DefaultProviderBaseURL = "https://image.tmdb.org/t/p"

	// DefaultConcurrency bounds the uploads a batch runs at once.
	DefaultConcurrency = 5

	// DefaultLRUSize is the number of entries held in memory.
	DefaultLRUSize = 4096
)

var validPath = regexp.MustCompile(`^/[A-Za-z0-9_\-]+\.[A-Za-z0-9]+$`)

// ValidPath reports whether p looks like a provider image path ("/<name>.<ext>").
func ValidPath(p string) bool {
	return validPath.MatchString(p)
}

// ClassSize returns the provider size segment a class is fetched at.
func ClassSize(class titlecache.ImageClass) string {
	switch class {
	case titlecache.ImageBackdrop:
		return "w1280"
	case titlecache.ImageProfile:
		return "w185"
	default:
		return "w500"
	}
}

// Uploaded describes an image after the transformation service has stored it.
type Uploaded struct {
	URL    string
	Width  int
	Height int
	Bytes  int64
	Format string
}

// Uploader fetches sourceURL, processes it and stores the result under
// destinationID. Uploading the same destinationID twice overwrites.
type Uploader interface {
	Upload(ctx context.Context, sourceURL, destinationID string) (*Uploaded, error)
}

// Entry is the stored record of a processed image.
type Entry struct {
	SourcePath   string                `json:"source_path"`
	Class        titlecache.ImageClass `json:"class"`
	ProcessedURL string                `json:"processed_url"`
	Width        int                   `json:"width"`
	Height       int                   `json:"height"`
	ByteSize     int64                 `json:"byte_size"`
	Format       string                `json:"format"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Request is one image lookup in a batch.
type Request struct {
	Path  string
	Class titlecache.ImageClass
}

// Result is the outcome of one batch lookup. OK is false only for requests
// with an invalid path or class.
type Result struct {
	Request
	URL string
	OK  bool
}

// Cache is the image cache.
type Cache struct {
	store       metadb.Store
	uploader    Uploader
	recent      *lru.Cache[string, Entry]
	logger      *slog.Logger
	now         func() time.Time
	baseURL     string
	concurrency int
	lruSize     int
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithProviderBaseURL overrides the provider image host.
func WithProviderBaseURL(u string) Option {
	return func(c *Cache) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithConcurrency sets how many uploads a batch runs at once.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLRUSize sets the in-memory entry count.
func WithLRUSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.lruSize = n
		}
	}
}

// New creates an image cache over store using uploader for misses.
func New(store metadb.Store, uploader Uploader, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:       store,
		uploader:    uploader,
		logger:      slog.Default(),
		now:         time.Now,
		baseURL:     DefaultProviderBaseURL,
		concurrency: DefaultConcurrency,
		lruSize:     DefaultLRUSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "imagecache")

	recent, err := lru.New[string, Entry](c.lruSize)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	c.recent = recent
	return c, nil
}

// SourceURL returns the provider URL of path at the size of class.
func (c *Cache) SourceURL(path string, class titlecache.ImageClass) string {
	return c.baseURL + "/" + ClassSize(class) + path
}

// GetCachedURL returns the processed URL for path. ok is false only when path
// or class is invalid; upload failures return the direct provider URL.
func (c *Cache) GetCachedURL(ctx context.Context, path string, class titlecache.ImageClass) (string, bool) {
	if !ValidPath(path) || !class.Valid() {
		return "", false
	}

	if entry, ok := c.lookup(ctx, path, class); ok {
		telemetry.RecordImageLookup(ctx, string(class), telemetry.CacheHit)
		return entry.ProcessedURL, true
	}
	telemetry.RecordImageLookup(ctx, string(class), telemetry.CacheMiss)

	sourceURL := c.SourceURL(path, class)
	destID := titlecache.DestinationID(class, path).String()

	start := time.Now()
	up, err := c.uploader.Upload(ctx, sourceURL, destID)
	if err != nil {
		telemetry.RecordImageUpload(ctx, string(class), "error", time.Since(start), 0)
		c.logger.Warn("image upload failed, using provider url",
			"path", path, "class", class, "error", err)
		return sourceURL, true
	}
	telemetry.RecordImageUpload(ctx, string(class), "success", time.Since(start), up.Bytes)

	entry := Entry{
		SourcePath:   path,
		Class:        class,
		ProcessedURL: up.URL,
		Width:        up.Width,
		Height:       up.Height,
		ByteSize:     up.Bytes,
		Format:       up.Format,
		CreatedAt:    c.now(),
	}
	if err := c.save(ctx, entry); err != nil {
		// the upload happened, so the URL is still good for this caller
		c.logger.Error("failed to persist image entry", "path", path, "class", class, "error", err)
	}
	c.recent.Add(cacheKey(path, class), entry)

	c.logger.Debug("image cached", "path", path, "class", class, "url", up.URL)
	return up.URL, true
}

// GetCachedURLs resolves a batch of images, running at most the configured
// number of lookups at once. Results are in request order.
func (c *Cache) GetCachedURLs(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	p := pool.New().WithMaxGoroutines(c.concurrency)
	for i, req := range reqs {
		p.Go(func() {
			u, ok := c.GetCachedURL(ctx, req.Path, req.Class)
			results[i] = Result{Request: req, URL: u, OK: ok}
		})
	}
	p.Wait()
	return results
}

// Lookup returns the stored entry without uploading on a miss.
func (c *Cache) Lookup(ctx context.Context, path string, class titlecache.ImageClass) (*Entry, bool) {
	if !ValidPath(path) || !class.Valid() {
		return nil, false
	}
	entry, ok := c.lookup(ctx, path, class)
	if !ok {
		return nil, false
	}
	return &entry, true
}

func (c *Cache) lookup(ctx context.Context, path string, class titlecache.ImageClass) (Entry, bool) {
	key := cacheKey(path, class)
	if entry, ok := c.recent.Get(key); ok {
		return entry, true
	}

	data, err := c.store.Get(ctx, Namespace, key)
	if err != nil {
		if !errors.Is(err, metadb.ErrNotFound) {
			c.logger.Error("failed to read image entry", "key", key, "error", err)
		}
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Error("corrupt image entry", "key", key, "error", err)
		return Entry{}, false
	}
	c.recent.Add(key, entry)
	return entry, true
}

func (c *Cache) save(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling image entry: %w", err)
	}
	// image entries do not expire
	return c.store.Put(ctx, Namespace, cacheKey(entry.SourcePath, entry.Class), data, 0)
}

func cacheKey(path string, class titlecache.ImageClass) string {
	return string(class) + "|" + path
}
