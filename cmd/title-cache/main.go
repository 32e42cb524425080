// Command title-cache runs the background cache pipeline for movie and TV
// metadata behind a small HTTP control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wolfeidau/title-cache/credentials"
	"github.com/wolfeidau/title-cache/credentials/opprovider"
	"github.com/wolfeidau/title-cache/server"
	"github.com/wolfeidau/title-cache/telemetry"
)

var version = "dev"

type LogFlags struct {
	LogLevel      string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL"`
	LogFormat     string `help:"Log format." enum:"text,json" default:"text" env:"LOG_FORMAT"`
	LogFile       string `help:"Also write logs to this file, rotated by size." env:"LOG_FILE" type:"path"`
	LogMaxSizeMB  int    `help:"Rotate the log file after this many megabytes." default:"100" env:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `help:"Rotated log files to keep." default:"5" env:"LOG_MAX_BACKUPS"`
}

type cli struct {
	LogFlags `embed:""`

	EnvFile string           `help:"Load environment variables from this file when it exists." default:".env" type:"path"`
	Version kong.VersionFlag `help:"Print version and exit."`

	Serve serveCmd `cmd:"" default:"withargs" help:"Run the cache server."`
}

type serveCmd struct {
	Address     string `help:"Address to listen on." default:":8080" env:"ADDRESS"`
	DataPath    string `help:"Directory for the database and processed images." default:"./data" env:"DATA_PATH" type:"path"`
	Database    string `help:"Metadata store." enum:"bolt,sqlite,postgres" default:"bolt" env:"DATABASE"`
	DatabaseDSN string `help:"Connection string for sqlite or postgres." env:"DATABASE_DSN"`
	PublicURL   string `help:"Externally visible base URL for processed images." env:"PUBLIC_URL"`
	Credentials string `help:"Credentials template file (supports env, file and op functions)." env:"CREDENTIALS_FILE" type:"path"`

	TMDBBaseURL    string        `name:"tmdb-base-url" help:"Metadata provider API base URL." env:"TMDB_BASE_URL"`
	TMDBAPIKey     string        `name:"tmdb-api-key" help:"Metadata provider v3 API key." env:"TMDB_API_KEY"`
	TMDBReadToken  string        `name:"tmdb-read-token" help:"Metadata provider read access token." env:"TMDB_READ_TOKEN"`
	TMDBRateLimit  int           `name:"tmdb-rate-limit" help:"Provider requests per window (negative disables)." default:"40" env:"TMDB_RATE_LIMIT"`
	TMDBRateWindow time.Duration `name:"tmdb-rate-window" help:"Provider rate limit window." default:"10s" env:"TMDB_RATE_WINDOW"`
	ImageBaseURL   string        `help:"Provider image host." env:"IMAGE_BASE_URL"`

	MaxRetries      int           `help:"Retries before a job is abandoned." default:"3" env:"MAX_RETRIES"`
	RetryBaseDelay  time.Duration `help:"Delay before the first retry, doubled for each later one." default:"1s" env:"RETRY_BASE_DELAY"`
	RetryNotFound   bool          `help:"Retry titles the provider reports as missing." env:"RETRY_NOT_FOUND"`
	Freshness       time.Duration `help:"How long a completed job suppresses repeat enqueues." default:"5m" env:"FRESHNESS"`
	JobThrottle     time.Duration `help:"Pause between jobs." default:"500ms" env:"JOB_THROTTLE"`
	StatusRetention time.Duration `help:"How long finished job statuses are kept." default:"1h" env:"STATUS_RETENTION"`
	CleanupInterval time.Duration `help:"How often finished job statuses are pruned." default:"30m" env:"CLEANUP_INTERVAL"`
	ReaperInterval  time.Duration `help:"How often expired store entries are deleted." default:"5m" env:"REAPER_INTERVAL"`

	AuthToken string `help:"Bearer token required by the API." env:"AUTH_TOKEN"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"METRICS_PROMETHEUS"`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func main() {
	// .env must be loaded before kong reads env tags
	envFile := ".env"
	for i, arg := range os.Args {
		if v, ok := strings.CutPrefix(arg, "--env-file="); ok {
			envFile = v
		} else if arg == "--env-file" && i+1 < len(os.Args) {
			envFile = os.Args[i+1]
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading %s: %v\n", envFile, err)
		os.Exit(1)
	}

	var c cli
	kctx := kong.Parse(&c,
		kong.Name("title-cache"),
		kong.Description("Background cache pipeline for movie and TV metadata."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)

	logger, closeLog, err := newLogger(c.LogFlags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := kctx.Run(logger); err != nil {
		logger.Error("exiting", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func newLogger(f LogFlags) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %s", f.LogLevel)
	}

	var out io.Writer = os.Stdout
	closeLog := func() {}
	if f.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   f.LogFile,
			MaxSize:    f.LogMaxSizeMB,
			MaxBackups: f.LogMaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closeLog = func() { _ = lj.Close() }
	}

	var handler slog.Handler
	switch f.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			// colour codes would end up in the log file
			NoColor: f.LogFile != "",
		})
	}
	return slog.New(handler), closeLog, nil
}

// Run starts the server and blocks until it fails or a signal arrives.
func (s *serveCmd) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := s.config(ctx, logger)
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "title-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     s.OTLPEndpoint,
		EnablePrometheus: s.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics", "error", err)
		}
	}()

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"version", version,
		"database", cfg.Database,
		"events_url", fmt.Sprintf("ws://localhost%s/events", srv.Address()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// config builds the server configuration, letting values from the
// credentials template override flags.
func (s *serveCmd) config(ctx context.Context, logger *slog.Logger) (server.Config, error) {
	cfg := server.Config{
		Address:         s.Address,
		DataPath:        s.DataPath,
		Database:        s.Database,
		DatabaseDSN:     s.DatabaseDSN,
		PublicBaseURL:   s.PublicURL,
		TMDBBaseURL:     s.TMDBBaseURL,
		TMDBAPIKey:      s.TMDBAPIKey,
		TMDBReadToken:   s.TMDBReadToken,
		TMDBRateLimit:   s.TMDBRateLimit,
		TMDBRateWindow:  s.TMDBRateWindow,
		ImageBaseURL:    s.ImageBaseURL,
		MaxRetries:      &s.MaxRetries,
		RetryBaseDelay:  s.RetryBaseDelay,
		RetryNotFound:   s.RetryNotFound,
		Freshness:       s.Freshness,
		JobThrottle:     s.JobThrottle,
		StatusRetention: s.StatusRetention,
		CleanupInterval: s.CleanupInterval,
		ReaperInterval:  s.ReaperInterval,
		AuthToken:       s.AuthToken,
		Logger:          logger,
	}
	if cfg.TMDBRateLimit == 0 {
		cfg.TMDBRateLimit = -1
	}

	if s.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger.With("component", "credentials")),
			opprovider.WithOnePassword(),
		)
		creds, err := resolver.ResolveFile(ctx, s.Credentials)
		if err != nil {
			return server.Config{}, fmt.Errorf("resolving credentials: %w", err)
		}
		applyCredentials(&cfg, creds)
		logger.Info("loaded credentials", "file", s.Credentials)
	}

	if cfg.TMDBAPIKey == "" && cfg.TMDBReadToken == "" {
		return server.Config{}, errors.New("a TMDB api key or read token is required")
	}
	return cfg, nil
}

func applyCredentials(cfg *server.Config, creds *credentials.Credentials) {
	if creds.AuthToken != "" {
		cfg.AuthToken = creds.AuthToken
	}
	if creds.TMDB != nil {
		if creds.TMDB.APIKey != "" {
			cfg.TMDBAPIKey = creds.TMDB.APIKey
		}
		if creds.TMDB.ReadToken != "" {
			cfg.TMDBReadToken = creds.TMDB.ReadToken
		}
	}
	if creds.Database != nil {
		cfg.Database = creds.Database.Driver
		cfg.DatabaseDSN = creds.Database.DSN
	}
}
