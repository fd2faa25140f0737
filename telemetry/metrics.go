package telemetry

import (
	"context"
	"net/http"
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
	meterName = "github.com/wolfeidau/bundle-cache"
)

var durationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

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

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	// Bundle cache
	cacheAcquireTotal   metric.Int64Counter
	bundleFetchDuration metric.Float64Histogram
	sweepRunsTotal      metric.Int64Counter
	sweepDuration       metric.Float64Histogram
	sweepEvictedTotal   metric.Int64Counter
	consumersPrunedTotal metric.Int64Counter
	releasesTotal       metric.Int64Counter
	residentBundles     metric.Int64Gauge

	// Builder
	bundlesBuiltTotal metric.Int64Counter
	bundleBuildSize   metric.Float64Histogram

	// Local store expiry
	expiryDeletedTotal metric.Int64Counter
	expiryBytesTotal   metric.Int64Counter
	expiryDuration     metric.Float64Histogram

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
		cfg.ServiceName = "bundle-cache"
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

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"bundle_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"bundle_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"bundle_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"bundle_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"bundle_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"bundle_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"bundle_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of HTTP bundle downloads"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"bundle_cache_upstream_fetch_total",
		metric.WithDescription("Total number of HTTP bundle downloads"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"bundle_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes downloaded from bundle hosts"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheAcquireTotal, err = meter.Int64Counter(
		"bundle_cache_acquire_total",
		metric.WithDescription("Bundle acquisitions by result (hit, miss, shared, error)"),
		metric.WithUnit("{acquire}"),
	); err != nil {
		return nil, err
	}

	if m.bundleFetchDuration, err = meter.Float64Histogram(
		"bundle_cache_fetch_duration_seconds",
		metric.WithDescription("Duration of fetches delegated to the fetcher"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.sweepRunsTotal, err = meter.Int64Counter(
		"bundle_cache_sweep_runs_total",
		metric.WithDescription("Total number of sweeps"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"bundle_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.sweepEvictedTotal, err = meter.Int64Counter(
		"bundle_cache_sweep_evicted_total",
		metric.WithDescription("Bundles unloaded by sweeps because no consumer was left"),
		metric.WithUnit("{bundle}"),
	); err != nil {
		return nil, err
	}

	if m.consumersPrunedTotal, err = meter.Int64Counter(
		"bundle_cache_consumers_pruned_total",
		metric.WithDescription("Dead consumer references pruned by sweeps"),
		metric.WithUnit("{consumer}"),
	); err != nil {
		return nil, err
	}

	if m.releasesTotal, err = meter.Int64Counter(
		"bundle_cache_releases_total",
		metric.WithDescription("Bundles released explicitly"),
		metric.WithUnit("{bundle}"),
	); err != nil {
		return nil, err
	}

	if m.residentBundles, err = meter.Int64Gauge(
		"bundle_cache_resident_bundles",
		metric.WithDescription("Bundles currently loaded in the cache"),
		metric.WithUnit("{bundle}"),
	); err != nil {
		return nil, err
	}

	if m.bundlesBuiltTotal, err = meter.Int64Counter(
		"bundle_cache_bundles_built_total",
		metric.WithDescription("Bundles written by the builder"),
		metric.WithUnit("{bundle}"),
	); err != nil {
		return nil, err
	}

	if m.bundleBuildSize, err = meter.Float64Histogram(
		"bundle_cache_bundle_build_size_bytes",
		metric.WithDescription("Size of built bundle files"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 16384, 131072, 1048576, 8388608, 67108864, 268435456, 1073741824),
	); err != nil {
		return nil, err
	}

	if m.expiryDeletedTotal, err = meter.Int64Counter(
		"bundle_cache_expiry_deleted_total",
		metric.WithDescription("Locally stored bundle versions deleted by expiry"),
		metric.WithUnit("{bundle}"),
	); err != nil {
		return nil, err
	}

	if m.expiryBytesTotal, err = meter.Int64Counter(
		"bundle_cache_expiry_bytes_total",
		metric.WithDescription("Bytes reclaimed by expiry"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.expiryDuration, err = meter.Float64Histogram(
		"bundle_cache_expiry_duration_seconds",
		metric.WithDescription("Duration of expiry runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
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
// The endpoint is read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "unknown"
	if tags := GetTags(r); tags != nil && tags.Endpoint != "" {
		endpoint = tags.Endpoint
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("method", r.Method),
		attribute.String("status_class", StatusClass(status)),
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

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordUpstreamFetch records an HTTP download from a bundle host.
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	)
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// AcquireResult is the outcome of a cache acquisition.
type AcquireResult string

const (
	AcquireHit    AcquireResult = "hit"
	AcquireMiss   AcquireResult = "miss"
	AcquireShared AcquireResult = "shared"
	AcquireError  AcquireResult = "error"
)

// RecordCacheAcquire records one Acquire call.
func RecordCacheAcquire(ctx context.Context, result AcquireResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheAcquireTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordBundleFetch records a fetch delegated by the cache.
func RecordBundleFetch(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.bundleFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSweep records one sweep of the bundle cache.
func RecordSweep(ctx context.Context, pruned, evicted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepRunsTotal.Add(ctx, 1)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
	if pruned > 0 {
		globalMetrics.consumersPrunedTotal.Add(ctx, int64(pruned))
	}
	if evicted > 0 {
		globalMetrics.sweepEvictedTotal.Add(ctx, int64(evicted))
	}
}

// RecordRelease records bundles released explicitly. reason is "release" or "purge".
func RecordRelease(ctx context.Context, reason string, count int) {
	if globalMetrics == nil || count == 0 {
		return
	}
	globalMetrics.releasesTotal.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// SetResidentBundles records the number of bundles currently held by the cache.
func SetResidentBundles(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.residentBundles.Record(ctx, int64(n))
}

// RecordBundleBuild records a bundle written by the builder.
func RecordBundleBuild(ctx context.Context, compression string, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("compression", compression))
	globalMetrics.bundlesBuiltTotal.Add(ctx, 1, attrs)
	globalMetrics.bundleBuildSize.Record(ctx, float64(size), attrs)
}

// RecordExpiry records deletions by the local store expiry manager.
// reason is "ttl" or "lru".
func RecordExpiry(ctx context.Context, reason string, deleted int, bytes int64) {
	if globalMetrics == nil || deleted == 0 {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.expiryDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.expiryBytesTotal.Add(ctx, bytes, attrs)
}

// RecordExpiryRun records the duration of an expiry run.
func RecordExpiryRun(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.expiryDuration.Record(ctx, duration.Seconds())
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
