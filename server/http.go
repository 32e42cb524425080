// Package server provides the HTTP control surface for the title cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/wolfeidau/title-cache/backend"
	"github.com/wolfeidau/title-cache/imagecache"
	"github.com/wolfeidau/title-cache/metacache"
	"github.com/wolfeidau/title-cache/provider/tmdb"
	"github.com/wolfeidau/title-cache/push"
	"github.com/wolfeidau/title-cache/queue"
	"github.com/wolfeidau/title-cache/refresh"
	"github.com/wolfeidau/title-cache/store/metadb"
	"github.com/wolfeidau/title-cache/store/sqlkv"
	"github.com/wolfeidau/title-cache/telemetry"
	"github.com/wolfeidau/title-cache/transform"
)

// Supported values for Config.Database.
const (
	DatabaseBolt     = "bolt"
	DatabaseSQLite   = sqlkv.DriverSQLite
	DatabasePostgres = sqlkv.DriverPostgres
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataPath is the root directory for the bolt database and processed images.
	DataPath string

	// Database selects the metadata store: "bolt" (default), "sqlite" or "postgres".
	Database string

	// DatabaseDSN is the connection string for sqlite or postgres.
	// For sqlite it defaults to a file under DataPath.
	DatabaseDSN string

	// PublicBaseURL is the externally visible base URL used in processed image URLs.
	// Default: "http://localhost" + Address
	PublicBaseURL string

	// TMDBBaseURL is the provider API base URL.
	TMDBBaseURL string

	// TMDBAPIKey authenticates with the v3 api_key query parameter.
	TMDBAPIKey string

	// TMDBReadToken authenticates with a bearer read access token.
	TMDBReadToken string

	// TMDBRateLimit is the number of provider requests allowed per TMDBRateWindow.
	// Default: 40 per 10s. Negative disables limiting.
	TMDBRateLimit  int
	TMDBRateWindow time.Duration

	// ImageBaseURL is the provider image host used for source and fallback URLs.
	ImageBaseURL string

	// MaxRetries overrides how many times a failed job is retried. Nil keeps
	// the default; zero disables retries.
	MaxRetries *int

	// RetryBaseDelay overrides the delay before the first retry.
	RetryBaseDelay time.Duration

	// RetryNotFound keeps retrying titles the provider reports as missing.
	// By default those jobs fail on the first attempt.
	RetryNotFound bool

	// Freshness is how long a completed job suppresses new enqueues for the same title.
	Freshness time.Duration

	// JobThrottle is the pause between jobs.
	JobThrottle time.Duration

	// StatusRetention is how long finished job statuses are kept.
	StatusRetention time.Duration

	// CleanupInterval is how often finished job statuses are pruned.
	CleanupInterval time.Duration

	// ReaperInterval is how often expired store entries are deleted.
	// Default is 5 minutes.
	ReaperInterval time.Duration

	// AuthToken protects the API with a bearer token when set.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the title cache.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	// Components
	store     metadb.Store
	images    *imagecache.Cache
	metadata  *metacache.Cache
	transform *transform.Local
	provider  *tmdb.Client
	queue     *queue.Queue
	hub       *push.Hub
	reaper    *metadb.ExpiryReaper

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "./data"
	}
	if cfg.Database == "" {
		cfg.Database = DatabaseBolt
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost" + cfg.Address
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = 5 * time.Minute
	}

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	s, err := newServer(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

func openStore(cfg Config) (metadb.Store, error) {
	switch cfg.Database {
	case DatabaseBolt:
		db := metadb.NewBoltDB(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
		if err := db.Open(filepath.Join(cfg.DataPath, "title-cache.db")); err != nil {
			return nil, fmt.Errorf("opening metadb: %w", err)
		}
		return db, nil
	case DatabaseSQLite, DatabasePostgres:
		dsn := cfg.DatabaseDSN
		if dsn == "" && cfg.Database == DatabaseSQLite {
			dsn = filepath.Join(cfg.DataPath, "title-cache.sqlite")
		}
		if dsn == "" {
			return nil, fmt.Errorf("database %s requires a DSN", cfg.Database)
		}
		st, err := sqlkv.Open(context.Background(), cfg.Database, dsn,
			sqlkv.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", cfg.Database, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported database %q", cfg.Database)
	}
}

func newServer(cfg Config, st metadb.Store) (*Server, error) {
	// Processed images live on disk next to the database
	fsBackend, err := backend.NewFilesystem(filepath.Join(cfg.DataPath, "images"))
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	imageBackend := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	local := transform.NewLocal(imageBackend, cfg.PublicBaseURL,
		transform.WithLogger(cfg.Logger))

	imageOpts := []imagecache.Option{
		imagecache.WithLogger(cfg.Logger),
	}
	if cfg.ImageBaseURL != "" {
		imageOpts = append(imageOpts, imagecache.WithProviderBaseURL(cfg.ImageBaseURL))
	}
	images, err := imagecache.New(st, local, imageOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating image cache: %w", err)
	}

	metadata, err := metacache.New(st, metacache.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("creating metadata cache: %w", err)
	}

	providerOpts := []tmdb.ClientOption{
		tmdb.WithLogger(cfg.Logger),
	}
	if cfg.TMDBBaseURL != "" {
		providerOpts = append(providerOpts, tmdb.WithBaseURL(cfg.TMDBBaseURL))
	}
	if cfg.TMDBAPIKey != "" {
		providerOpts = append(providerOpts, tmdb.WithAPIKey(cfg.TMDBAPIKey))
	}
	if cfg.TMDBReadToken != "" {
		providerOpts = append(providerOpts, tmdb.WithBearerToken(cfg.TMDBReadToken))
	}
	if cfg.TMDBRateLimit != 0 {
		window := cfg.TMDBRateWindow
		if window == 0 {
			window = 10 * time.Second
		}
		providerOpts = append(providerOpts, tmdb.WithRateLimit(cfg.TMDBRateLimit, window))
	}
	provider := tmdb.NewClient(providerOpts...)

	refresher := refresh.New(provider, images, metadata,
		refresh.WithLogger(cfg.Logger))

	queueOpts := []queue.Option{
		queue.WithLogger(cfg.Logger),
	}
	if !cfg.RetryNotFound {
		queueOpts = append(queueOpts, queue.WithClassifier(refresh.Retryable))
	}
	if cfg.MaxRetries != nil || cfg.RetryBaseDelay > 0 {
		policy := queue.DefaultPolicy
		if cfg.MaxRetries != nil {
			policy.MaxRetries = max(*cfg.MaxRetries, 0)
		}
		if cfg.RetryBaseDelay > 0 {
			policy.BaseDelay = cfg.RetryBaseDelay
		}
		queueOpts = append(queueOpts, queue.WithRetryPolicy(policy))
	}
	if cfg.Freshness > 0 {
		queueOpts = append(queueOpts, queue.WithFreshness(cfg.Freshness))
	}
	if cfg.JobThrottle > 0 {
		queueOpts = append(queueOpts, queue.WithThrottle(cfg.JobThrottle))
	}
	if cfg.StatusRetention > 0 {
		queueOpts = append(queueOpts, queue.WithRetention(cfg.StatusRetention))
	}
	if cfg.CleanupInterval > 0 {
		queueOpts = append(queueOpts, queue.WithCleanupInterval(cfg.CleanupInterval))
	}
	jobs := queue.New(refresher, queueOpts...)

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		store:     st,
		images:    images,
		metadata:  metadata,
		transform: local,
		provider:  provider,
		queue:     jobs,
		hub:       push.NewHub(push.WithLogger(cfg.Logger)),
		reaper: metadb.NewExpiryReaper(st,
			metadb.WithReaperInterval(cfg.ReaperInterval),
			metadb.WithReaperLogger(cfg.Logger.With("component", "reaper"))),
	}

	// Build HTTP server
	router := mux.NewRouter()
	s.registerRoutes(router)
	s.handler = s.loggingMiddleware(s.authMiddleware(router))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams are long lived
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Queue returns the job queue.
func (s *Server) Queue() *queue.Queue {
	return s.queue
}

// StartBackground starts the job worker, the event hub and the store reaper
// without listening for HTTP requests.
func (s *Server) StartBackground(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(runCtx, s.queue.Events())
	}()
	go func() {
		defer s.wg.Done()
		s.reaper.Run(runCtx)
	}()

	s.logger.Info("background services started", "reaper_interval", s.config.ReaperInterval)
	return nil
}

// Start starts the server.
func (s *Server) Start() error {
	if err := s.StartBackground(context.Background()); err != nil {
		return err
	}

	s.logger.Info("starting server", "address", s.config.Address, "database", s.config.Database)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
	}

	// Stopping the queue closes its event channel which ends the hub
	if err := s.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping queue: %w", err))
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.metadata.Close()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.EntityType != "" {
			attrs = append(attrs, "entity_type", tags.EntityType)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
