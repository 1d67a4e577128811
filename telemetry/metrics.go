// Package telemetry provides OpenTelemetry metrics for the compiler cache,
// with optional Prometheus and OTLP export.
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
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName = "github.com/wolfeidau/compiler-cache"
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
	lookupsTotal        metric.Int64Counter
	lookupBytesTotal    metric.Int64Counter
	storesTotal         metric.Int64Counter
	storeBytesTotal     metric.Int64Counter
	eventsDroppedTotal  metric.Int64Counter
	recompressionsTotal metric.Int64Counter
	cleanupRunsTotal    metric.Int64Counter
	cleanupDeletedTotal metric.Int64Counter
	cleanupBytesTotal   metric.Int64Counter
	cleanupRunDuration  metric.Float64Histogram
	cacheEntries        metric.Int64Gauge
	cacheSizeBytes      metric.Int64Gauge

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
		cfg.ServiceName = "compiler-cache"
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

	meter := mp.Meter(meterName)

	lookupsTotal, err := meter.Int64Counter(
		"compiler_cache_lookups_total",
		metric.WithDescription("Total number of artifact lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	lookupBytesTotal, err := meter.Int64Counter(
		"compiler_cache_lookup_bytes_total",
		metric.WithDescription("Total uncompressed bytes served from the cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	storesTotal, err := meter.Int64Counter(
		"compiler_cache_stores_total",
		metric.WithDescription("Total number of artifact stores"),
		metric.WithUnit("{store}"),
	)
	if err != nil {
		return err
	}

	storeBytesTotal, err := meter.Int64Counter(
		"compiler_cache_store_bytes_total",
		metric.WithDescription("Total uncompressed bytes written to the cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	eventsDroppedTotal, err := meter.Int64Counter(
		"compiler_cache_events_dropped_total",
		metric.WithDescription("Total worker events dropped due to a full queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	recompressionsTotal, err := meter.Int64Counter(
		"compiler_cache_recompressions_total",
		metric.WithDescription("Total opportunistic recompressions attempted"),
		metric.WithUnit("{recompression}"),
	)
	if err != nil {
		return err
	}

	cleanupRunsTotal, err := meter.Int64Counter(
		"compiler_cache_cleanup_runs_total",
		metric.WithDescription("Total cleanup passes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	cleanupDeletedTotal, err := meter.Int64Counter(
		"compiler_cache_cleanup_deleted_total",
		metric.WithDescription("Total files deleted by cleanup passes"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	cleanupBytesTotal, err := meter.Int64Counter(
		"compiler_cache_cleanup_bytes_total",
		metric.WithDescription("Total payload bytes reclaimed by cleanup passes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cleanupRunDuration, err := meter.Float64Histogram(
		"compiler_cache_cleanup_run_duration_seconds",
		metric.WithDescription("Duration of cleanup passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"compiler_cache_entries",
		metric.WithDescription("Entries in the cache directory after the last cleanup pass"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheSizeBytes, err := meter.Int64Gauge(
		"compiler_cache_size_bytes",
		metric.WithDescription("Aggregate payload size after the last cleanup pass"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		lookupsTotal:        lookupsTotal,
		lookupBytesTotal:    lookupBytesTotal,
		storesTotal:         storesTotal,
		storeBytesTotal:     storeBytesTotal,
		eventsDroppedTotal:  eventsDroppedTotal,
		recompressionsTotal: recompressionsTotal,
		cleanupRunsTotal:    cleanupRunsTotal,
		cleanupDeletedTotal: cleanupDeletedTotal,
		cleanupBytesTotal:   cleanupBytesTotal,
		cleanupRunDuration:  cleanupRunDuration,
		cacheEntries:        cacheEntries,
		cacheSizeBytes:      cacheSizeBytes,
		meterProvider:       mp,
		promHandler:         promHandler,
	}

	return nil
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

// RecordLookup records one front-end lookup and its outcome.
func RecordLookup(ctx context.Context, hit bool, bytes int64) {
	if globalMetrics == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	globalMetrics.lookupsTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.lookupBytesTotal.Add(ctx, bytes)
	}
}

// RecordStore records one front-end store and its outcome.
func RecordStore(ctx context.Context, ok bool, bytes int64) {
	if globalMetrics == nil {
		return
	}

	outcome := "error"
	if ok {
		outcome = "ok"
	}
	globalMetrics.storesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes)
	}
}

// RecordEventDropped records a worker event dropped by a full queue.
func RecordEventDropped(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.eventsDroppedTotal.Add(ctx, 1)
}

// RecordRecompression records one recompression attempt. outcome is "ok" or
// "error".
func RecordRecompression(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.recompressionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCleanupRun records one cleanup pass.
func RecordCleanupRun(ctx context.Context, duration time.Duration, deleted int, bytesReclaimed int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cleanupRunsTotal.Add(ctx, 1)
	globalMetrics.cleanupRunDuration.Record(ctx, duration.Seconds())
	globalMetrics.cleanupDeletedTotal.Add(ctx, int64(deleted))
	if bytesReclaimed > 0 {
		globalMetrics.cleanupBytesTotal.Add(ctx, bytesReclaimed)
	}
}

// UpdateDirectoryState updates the cache-size gauges, called at the end of a
// cleanup pass.
func UpdateDirectoryState(ctx context.Context, entries int, sizeBytes int64) {
	if globalMetrics == nil {
		return
	}
	if entries < 0 {
		entries = 0
	}
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cacheSizeBytes.Record(ctx, sizeBytes)
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
