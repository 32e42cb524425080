// Package metacache stores normalized title metadata with tiered freshness.
//
// Detail records (a single movie or series) are fresh for 24 hours and list
// records (trending pages and other aggregates) for 1 hour. Reads of a record
// older than the TTL of its class are misses; the record itself is kept in the
// underlying store until the retention window passes so it can be refreshed in
// place. Scores are stored as fixed-point integers and image paths are replaced
// with the URLs resolved by the image cache when the record was written.
package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/store/metadb"
	"github.com/wolfeidau/title-cache/telemetry"
)

// ErrMiss is returned when a record is absent or older than its class TTL.
var ErrMiss = errors.New("metacache: miss")

const (
	// DetailNamespace holds per-title records.
	DetailNamespace = "metadata"
	// ListNamespace holds aggregate records.
	ListNamespace = "metadata_lists"

	// DefaultDetailTTL is how long a per-title record is fresh.
	DefaultDetailTTL = 24 * time.Hour
	// DefaultListTTL is how long an aggregate record is fresh.
	DefaultListTTL = time.Hour
	// DefaultRetention is how long any record is kept in the store after a write.
	DefaultRetention = 7 * 24 * time.Hour

	recordVersion = 1
)

// Class selects the freshness tier of a record.
type Class string

const (
	ClassDetail Class = "detail"
	ClassList   Class = "list"
)

// Entry is a fresh metadata record with image paths resolved.
type Entry struct {
	Document    *titlecache.Document
	PosterURL   string
	BackdropURL string
	LastUpdated time.Time
}

// ListItem is one title in an aggregate record.
type ListItem struct {
	Ref         titlecache.Ref
	Title       string
	PosterPath  string
	VoteAverage float64
	Popularity  float64
}

// List is a fresh aggregate record.
type List struct {
	Name        string
	Items       []ListItem
	LastUpdated time.Time
}

// Cache is the metadata cache.
type Cache struct {
	store     metadb.Store
	codec     *Codec
	logger    *slog.Logger
	now       func() time.Time
	detailTTL time.Duration
	listTTL   time.Duration
	retention time.Duration
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

// WithTTLs overrides the detail and list freshness windows.
func WithTTLs(detail, list time.Duration) Option {
	return func(c *Cache) {
		c.detailTTL = detail
		c.listTTL = list
	}
}

// WithRetention sets how long records stay in the store after a write.
// Zero keeps records until they are deleted explicitly.
func WithRetention(d time.Duration) Option {
	return func(c *Cache) {
		c.retention = d
	}
}

// New creates a metadata cache over store.
func New(store metadb.Store, opts ...Option) (*Cache, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	c := &Cache{
		store:     store,
		codec:     codec,
		logger:    slog.Default(),
		now:       time.Now,
		detailTTL: DefaultDetailTTL,
		listTTL:   DefaultListTTL,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "metacache")
	return c, nil
}

// Close releases the codec.
func (c *Cache) Close() {
	c.codec.Close()
}

// TTL returns the freshness window of a class.
func (c *Cache) TTL(class Class) time.Duration {
	if class == ClassList {
		return c.listTTL
	}
	return c.detailTTL
}

// record is the stored form of a detail entry.
type record struct {
	Version     int                  `json:"v"`
	Payload     titlecache.Document  `json:"payload"`
	Rating      int64                `json:"rating_x10"`
	Popularity  int64                `json:"popularity_x100"`
	PosterURL   string               `json:"poster_url,omitempty"`
	BackdropURL string               `json:"backdrop_url,omitempty"`
	ImageURLs   titlecache.ImageURLs `json:"image_urls,omitempty"`
	LastUpdated time.Time            `json:"last_updated"`
}

type listRecord struct {
	Version     int              `json:"v"`
	Items       []listItemRecord `json:"items"`
	LastUpdated time.Time        `json:"last_updated"`
}

type listItemRecord struct {
	Ref        titlecache.Ref `json:"ref"`
	Title      string         `json:"title"`
	PosterPath string         `json:"poster_path,omitempty"`
	Rating     int64          `json:"rating_x10"`
	Popularity int64          `json:"popularity_x100"`
}

// Get returns the fresh record for ref. A record older than the detail TTL
// is reported as ErrMiss.
func (c *Cache) Get(ctx context.Context, ref titlecache.Ref) (*Entry, error) {
	var rec record
	if err := c.load(ctx, DetailNamespace, ref.JobID(), &rec); err != nil {
		if errors.Is(err, ErrMiss) {
			telemetry.RecordMetadataLookup(ctx, string(ClassDetail), telemetry.CacheMiss)
		}
		return nil, err
	}

	if c.expired(rec.LastUpdated, c.detailTTL) {
		telemetry.RecordMetadataLookup(ctx, string(ClassDetail), telemetry.CacheStale)
		return nil, ErrMiss
	}
	telemetry.RecordMetadataLookup(ctx, string(ClassDetail), telemetry.CacheHit)

	doc := rec.Payload
	doc.VoteAverage = fromFixed(rec.Rating, 10)
	doc.Popularity = fromFixed(rec.Popularity, 100)

	return &Entry{
		Document:    doc.WithImageURLs(rec.ImageURLs),
		PosterURL:   rec.PosterURL,
		BackdropURL: rec.BackdropURL,
		LastUpdated: rec.LastUpdated,
	}, nil
}

// Put upserts the record for doc. urls holds the URLs the image cache
// resolved per (path, class); the poster and backdrop URLs are taken from
// the entries of their own class.
func (c *Cache) Put(ctx context.Context, doc *titlecache.Document, urls titlecache.ImageURLs) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if _, err := titlecache.NewRef(doc.Ref.Type, doc.Ref.ID); err != nil {
		return err
	}

	payload := *doc
	payload.VoteAverage = 0
	payload.Popularity = 0

	rec := record{
		Version:     recordVersion,
		Payload:     payload,
		Rating:      toFixed(doc.VoteAverage, 10),
		Popularity:  toFixed(doc.Popularity, 100),
		PosterURL:   urls.URL(doc.PosterPath, titlecache.ImagePoster),
		BackdropURL: urls.URL(doc.BackdropPath, titlecache.ImageBackdrop),
		ImageURLs:   urls,
		LastUpdated: c.now(),
	}

	if err := c.save(ctx, DetailNamespace, doc.Ref.JobID(), rec); err != nil {
		return err
	}
	c.logger.Debug("stored metadata", "ref", doc.Ref, "images", len(urls))
	return nil
}

// Delete invalidates the record for ref.
func (c *Cache) Delete(ctx context.Context, ref titlecache.Ref) error {
	if err := c.store.Delete(ctx, DetailNamespace, ref.JobID()); err != nil {
		return fmt.Errorf("deleting %s: %w", ref, err)
	}
	return nil
}

// GetList returns the fresh aggregate record called name.
func (c *Cache) GetList(ctx context.Context, name string) (*List, error) {
	var rec listRecord
	if err := c.load(ctx, ListNamespace, name, &rec); err != nil {
		if errors.Is(err, ErrMiss) {
			telemetry.RecordMetadataLookup(ctx, string(ClassList), telemetry.CacheMiss)
		}
		return nil, err
	}

	if c.expired(rec.LastUpdated, c.listTTL) {
		telemetry.RecordMetadataLookup(ctx, string(ClassList), telemetry.CacheStale)
		return nil, ErrMiss
	}
	telemetry.RecordMetadataLookup(ctx, string(ClassList), telemetry.CacheHit)

	items := make([]ListItem, len(rec.Items))
	for i, it := range rec.Items {
		items[i] = ListItem{
			Ref:         it.Ref,
			Title:       it.Title,
			PosterPath:  it.PosterPath,
			VoteAverage: fromFixed(it.Rating, 10),
			Popularity:  fromFixed(it.Popularity, 100),
		}
	}
	return &List{Name: name, Items: items, LastUpdated: rec.LastUpdated}, nil
}

// PutList upserts the aggregate record called name.
func (c *Cache) PutList(ctx context.Context, name string, items []ListItem) error {
	if name == "" {
		return errors.New("empty list name")
	}
	rec := listRecord{
		Version:     recordVersion,
		Items:       make([]listItemRecord, len(items)),
		LastUpdated: c.now(),
	}
	for i, it := range items {
		rec.Items[i] = listItemRecord{
			Ref:        it.Ref,
			Title:      it.Title,
			PosterPath: it.PosterPath,
			Rating:     toFixed(it.VoteAverage, 10),
			Popularity: toFixed(it.Popularity, 100),
		}
	}
	return c.save(ctx, ListNamespace, name, rec)
}

// expired reports whether a record written at lastUpdated is older than ttl.
// A record exactly ttl old is still fresh.
func (c *Cache) expired(lastUpdated time.Time, ttl time.Duration) bool {
	return c.now().Sub(lastUpdated) > ttl
}

func (c *Cache) load(ctx context.Context, namespace, key string, v any) error {
	framed, err := c.store.Get(ctx, namespace, key)
	if errors.Is(err, metadb.ErrNotFound) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("reading %s/%s: %w", namespace, key, err)
	}

	data, err := c.codec.Decode(framed)
	if err != nil {
		return fmt.Errorf("decoding %s/%s: %w", namespace, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshalling %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (c *Cache) save(ctx context.Context, namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s/%s: %w", namespace, key, err)
	}
	framed, err := c.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", namespace, key, err)
	}
	if err := c.store.Put(ctx, namespace, key, framed, c.retention); err != nil {
		return fmt.Errorf("writing %s/%s: %w", namespace, key, err)
	}
	return nil
}

func toFixed(v float64, scale float64) int64 {
	return int64(math.Round(v * scale))
}

func fromFixed(v int64, scale float64) float64 {
	return float64(v) / scale
}
