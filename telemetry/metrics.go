package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/title-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	// Job queue metrics
	jobsEnqueuedTotal  metric.Int64Counter
	jobsFinishedTotal  metric.Int64Counter
	jobsRetriedTotal   metric.Int64Counter
	jobDuration        metric.Float64Histogram
	queueJobs          metric.Int64Gauge
	eventsDroppedTotal metric.Int64Counter

	// Cache metrics
	metadataLookupsTotal metric.Int64Counter
	imageLookupsTotal    metric.Int64Counter
	imageUploadsTotal    metric.Int64Counter
	imageUploadDuration  metric.Float64Histogram
	imageUploadBytes     metric.Int64Counter

	// Registry cleanup and store reaper metrics
	cleanupRemovedTotal metric.Int64Counter
	cleanupDuration     metric.Float64Histogram
	reaperDeletedTotal  metric.Int64Counter
	reaperDuration      metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "title-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument from the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	durationBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60)

	if m.requestsTotal, err = meter.Int64Counter(
		"title_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.responseBytesTotal, err = meter.Int64Counter(
		"title_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.requestDuration, err = meter.Float64Histogram(
		"title_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"title_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}
	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"title_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"title_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"title_cache_backend_request_duration_seconds",
		metric.WithDescription("Storage backend operation duration"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}
	if m.backendRequestsTotal, err = meter.Int64Counter(
		"title_cache_backend_requests_total",
		metric.WithDescription("Total storage backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.backendBytesTotal, err = meter.Int64Counter(
		"title_cache_backend_bytes_total",
		metric.WithDescription("Total bytes written to the storage backend"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.jobsEnqueuedTotal, err = meter.Int64Counter(
		"title_cache_jobs_enqueued_total",
		metric.WithDescription("Enqueue requests by outcome (new or duplicate)"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.jobsFinishedTotal, err = meter.Int64Counter(
		"title_cache_jobs_finished_total",
		metric.WithDescription("Jobs reaching a terminal status"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.jobsRetriedTotal, err = meter.Int64Counter(
		"title_cache_jobs_retried_total",
		metric.WithDescription("Job retries scheduled after a failed attempt"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram(
		"title_cache_job_duration_seconds",
		metric.WithDescription("Duration of a single job attempt"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}
	if m.queueJobs, err = meter.Int64Gauge(
		"title_cache_queue_jobs",
		metric.WithDescription("Jobs currently held by the queue, by state"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.eventsDroppedTotal, err = meter.Int64Counter(
		"title_cache_events_dropped_total",
		metric.WithDescription("Lifecycle events dropped because no consumer kept up"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if m.metadataLookupsTotal, err = meter.Int64Counter(
		"title_cache_metadata_lookups_total",
		metric.WithDescription("Metadata cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.imageLookupsTotal, err = meter.Int64Counter(
		"title_cache_image_lookups_total",
		metric.WithDescription("Image cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.imageUploadsTotal, err = meter.Int64Counter(
		"title_cache_image_uploads_total",
		metric.WithDescription("Image uploads by outcome"),
		metric.WithUnit("{upload}"),
	); err != nil {
		return nil, err
	}
	if m.imageUploadDuration, err = meter.Float64Histogram(
		"title_cache_image_upload_duration_seconds",
		metric.WithDescription("Duration of image uploads"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}
	if m.imageUploadBytes, err = meter.Int64Counter(
		"title_cache_image_upload_bytes_total",
		metric.WithDescription("Bytes of processed images stored"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cleanupRemovedTotal, err = meter.Int64Counter(
		"title_cache_registry_cleanup_removed_total",
		metric.WithDescription("Job statuses removed by registry cleanup"),
		metric.WithUnit("{status}"),
	); err != nil {
		return nil, err
	}
	if m.cleanupDuration, err = meter.Float64Histogram(
		"title_cache_registry_cleanup_duration_seconds",
		metric.WithDescription("Duration of registry cleanup runs"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"title_cache_reaper_deleted_total",
		metric.WithDescription("Expired store entries deleted by the reaper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.reaperDuration, err = meter.Float64Histogram(
		"title_cache_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Endpoint and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "unknown"
	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil {
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, upstream string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	}
	if et := EntityTypeFromContext(ctx); et != "" {
		attrs = append(attrs, attribute.String("entity_type", et))
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordJobEnqueued records an enqueue request. result is "new" or "duplicate".
func RecordJobEnqueued(ctx context.Context, entityType, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.jobsEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("result", result),
	))
}

// RecordJobAttempt records the duration of one run of a job body.
// outcome is "success" or "error".
func RecordJobAttempt(ctx context.Context, entityType, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("outcome", outcome),
	))
}

// RecordJobFinished records a job reaching a terminal status.
func RecordJobFinished(ctx context.Context, entityType, status string, retries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.jobsFinishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("status", status),
		attribute.String("retries", strconv.Itoa(retries)),
	))
}

// RecordJobRetry records a retry being scheduled for the given attempt number.
func RecordJobRetry(ctx context.Context, entityType string, retryCount int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.jobsRetriedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("retry", strconv.Itoa(retryCount)),
	))
}

// UpdateQueueState records the current number of jobs in each queue state.
func UpdateQueueState(ctx context.Context, pending, active, retrying int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueJobs.Record(ctx, int64(pending), metric.WithAttributes(attribute.String("state", "pending")))
	globalMetrics.queueJobs.Record(ctx, int64(active), metric.WithAttributes(attribute.String("state", "active")))
	globalMetrics.queueJobs.Record(ctx, int64(retrying), metric.WithAttributes(attribute.String("state", "retrying")))
}

// RecordEventDropped records a lifecycle event that could not be delivered.
func RecordEventDropped(ctx context.Context, kind, sink string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.eventsDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("sink", sink),
	))
}

// RecordMetadataLookup records a metadata cache read.
func RecordMetadataLookup(ctx context.Context, class string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.metadataLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("result", string(result)),
	))
}

// RecordImageLookup records an image cache read.
func RecordImageLookup(ctx context.Context, class string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.imageLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("result", string(result)),
	))
}

// RecordImageUpload records an upload attempt. outcome is "success" or "fallback".
func RecordImageUpload(ctx context.Context, class, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	)
	globalMetrics.imageUploadsTotal.Add(ctx, 1, attrs)
	globalMetrics.imageUploadDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.imageUploadBytes.Add(ctx, bytes, attrs)
	}
}

// RecordRegistryCleanup records the result of a status registry cleanup run.
func RecordRegistryCleanup(ctx context.Context, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cleanupRemovedTotal.Add(ctx, int64(removed))
	globalMetrics.cleanupDuration.Record(ctx, duration.Seconds())
}

// RecordReaperCycle records the result of a store expiry reaper cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
