// Package transform is the image transformation collaborator used by the
// image cache. Local fetches a provider image, checks that it is an image it
// can decode, and stores it in a storage backend under its destination id.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/backend"
	"github.com/wolfeidau/title-cache/imagecache"
	"github.com/wolfeidau/title-cache/telemetry"
)

const (
	// DefaultMaxBytes caps the size of a fetched source image.
	DefaultMaxBytes = 20 * 1024 * 1024 // 20MB

	// keyPrefix is the backend prefix processed images are stored under.
	keyPrefix = "images"
)

var (
	// ErrNotImage is returned when the source is not a supported image.
	ErrNotImage = errors.New("source is not a supported image")

	// ErrTooLarge is returned when the source exceeds the size cap.
	ErrTooLarge = errors.New("source image too large")

	// ErrInvalidName is returned by Open for names that are not destination ids.
	ErrInvalidName = errors.New("invalid image name")
)

// Local uploads images into a backend and serves them back by name.
type Local struct {
	backend       backend.Backend
	client        *http.Client
	publicBaseURL string
	logger        *slog.Logger
	attempts      uint
	delay         time.Duration
	maxBytes      int64
}

// Option configures Local.
type Option func(*Local)

// WithHTTPClient sets the client used to fetch source images.
func WithHTTPClient(client *http.Client) Option {
	return func(l *Local) {
		l.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Local) {
		l.logger = logger
	}
}

// WithRetry sets the fetch attempt count and the initial delay between attempts.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(l *Local) {
		l.attempts = attempts
		l.delay = delay
	}
}

// WithMaxBytes caps the source image size.
func WithMaxBytes(n int64) Option {
	return func(l *Local) {
		l.maxBytes = n
	}
}

// NewLocal creates a Local uploader. publicBaseURL is the externally visible
// base the returned image URLs are built on.
func NewLocal(b backend.Backend, publicBaseURL string, opts ...Option) *Local {
	l := &Local{
		backend:       b,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        slog.Default(),
		attempts:      3,
		delay:         200 * time.Millisecond,
		maxBytes:      DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.client == nil {
		l.client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: telemetry.NewInstrumentedTransport(nil, "image_source"),
		}
	}
	l.logger = l.logger.With("component", "transform")
	return l
}

// Upload fetches sourceURL and stores it under destinationID, overwriting any
// previous upload with the same id.
func (l *Local) Upload(ctx context.Context, sourceURL, destinationID string) (*imagecache.Uploaded, error) {
	id, err := titlecache.ParseHash(destinationID)
	if err != nil {
		return nil, fmt.Errorf("destination id: %w", err)
	}

	var data []byte
	err = retry.Do(
		func() error {
			var ferr error
			data, ferr = l.fetch(ctx, sourceURL)
			return ferr
		},
		retry.Context(ctx),
		retry.Attempts(l.attempts),
		retry.Delay(l.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.logger.Debug("retrying source fetch", "url", sourceURL, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", sourceURL, err)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, mt.String())
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	ext := mt.Extension()
	name := id.String() + ext
	if err := l.backend.Write(ctx, imageKey(id, ext), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("storing image: %w", err)
	}

	l.logger.Debug("image stored", "id", id.ShortString(), "format", format,
		"width", cfg.Width, "height", cfg.Height, "bytes", len(data))

	return &imagecache.Uploaded{
		URL:    l.publicBaseURL + "/images/" + name,
		Width:  cfg.Width,
		Height: cfg.Height,
		Bytes:  int64(len(data)),
		Format: format,
	}, nil
}

func (l *Local) fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		// only server errors and throttling are worth another attempt
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Unrecoverable(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.maxBytes {
		return nil, retry.Unrecoverable(ErrTooLarge)
	}
	return data, nil
}

// Open returns a stored image by the name used in its public URL
// ("<destination id>.<ext>") together with its content type.
func (l *Local) Open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	ext := path.Ext(name)
	id, err := titlecache.ParseHash(strings.TrimSuffix(name, ext))
	if err != nil || ext == "" || strings.ContainsAny(name, "/\\") {
		return nil, "", ErrInvalidName
	}

	rc, err := l.backend.Read(ctx, imageKey(id, ext))
	if err != nil {
		return nil, "", err
	}

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return rc, contentType, nil
}

// imageKey shards images by the first byte of their id.
func imageKey(id titlecache.Hash, ext string) string {
	return keyPrefix + "/" + id.Dir() + "/" + id.String() + ext
}

// Compile-time interface check
var _ imagecache.Uploader = (*Local)(nil)
