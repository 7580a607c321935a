package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// A nil *Telemetry, or one built with Enabled=false, records nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Transfer
	chunkFetchesTotal metric.Int64Counter
	chunkRetriesTotal metric.Int64Counter
	bytesDownloaded   metric.Int64Counter
	chunkDuration     metric.Float64Histogram
	assembliesTotal   metric.Int64Counter

	// Curation and indexing
	entriesCurated   metric.Int64Counter
	entriesSkipped   metric.Int64Counter
	indexBuildsTotal metric.Int64Counter
	indexBuildTime   metric.Float64Histogram

	// Search and modules
	searchesTotal        metric.Int64Counter
	searchDuration       metric.Float64Histogram
	moduleSearchFailures metric.Int64Counter
	modulesLoaded        metric.Int64UpDownCounter

	// Cache and storage
	cacheOperations   metric.Int64Counter
	deviceAvailable   metric.Int64Gauge
	remediationsTotal metric.Int64Counter

	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, pushes metrics over OTLP/gRPC in addition to the Prometheus endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("prepper")
	}

	return t.tracer
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes readers and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddHTTPInFlight adjusts the in-flight request gauge by delta.
func (t *Telemetry) AddHTTPInFlight(ctx context.Context, delta int64) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, delta)
}

// RecordChunkFetch records the outcome of one chunk fetch attempt sequence.
func (t *Telemetry) RecordChunkFetch(ctx context.Context, status string, bytes int64, duration time.Duration) {
	if t == nil || t.chunkFetchesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.chunkFetchesTotal.Add(ctx, 1, attrs)
	t.chunkDuration.Record(ctx, duration.Seconds(), attrs)

	if bytes > 0 {
		t.bytesDownloaded.Add(ctx, bytes)
	}
}

// RecordChunkRetry counts a retried chunk fetch.
func (t *Telemetry) RecordChunkRetry(ctx context.Context) {
	if t == nil || t.chunkRetriesTotal == nil {
		return
	}

	t.chunkRetriesTotal.Add(ctx, 1)
}

// RecordAssembly records an assembly/verification outcome ("success", "incomplete", "checksum_mismatch", ...).
func (t *Telemetry) RecordAssembly(ctx context.Context, status string) {
	if t == nil || t.assembliesTotal == nil {
		return
	}

	t.assembliesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCuratedEntry counts an entry emitted by curation in the given tier.
func (t *Telemetry) RecordCuratedEntry(ctx context.Context, tier string, expanded bool) {
	if t == nil || t.entriesCurated == nil {
		return
	}

	t.entriesCurated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("expanded", expanded),
	))
}

// RecordSkippedEntry counts an entry curation passed over.
func (t *Telemetry) RecordSkippedEntry(ctx context.Context, reason string) {
	if t == nil || t.entriesSkipped == nil {
		return
	}

	t.entriesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordIndexBuild records an index build.
func (t *Telemetry) RecordIndexBuild(ctx context.Context, mode, status string, duration time.Duration) {
	if t == nil || t.indexBuildsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("mode", mode), attribute.String("status", status))

	t.indexBuildsTotal.Add(ctx, 1, attrs)
	t.indexBuildTime.Record(ctx, duration.Seconds(), attrs)
}

// RecordSearch records a federated search.
func (t *Telemetry) RecordSearch(ctx context.Context, modules int, duration time.Duration) {
	if t == nil || t.searchesTotal == nil {
		return
	}

	t.searchesTotal.Add(ctx, 1)
	t.searchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Int("modules", modules)))
}

// RecordModuleSearchFailure counts a module excluded from a merge.
func (t *Telemetry) RecordModuleSearchFailure(ctx context.Context, moduleID, reason string) {
	if t == nil || t.moduleSearchFailures == nil {
		return
	}

	t.moduleSearchFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", moduleID),
		attribute.String("reason", reason),
	))
}

// AddLoadedModules adjusts the loaded module gauge by delta.
func (t *Telemetry) AddLoadedModules(ctx context.Context, delta int64) {
	if t == nil || t.modulesLoaded == nil {
		return
	}

	t.modulesLoaded.Add(ctx, delta)
}

// RecordCacheOperation counts cache hits, misses and evictions.
func (t *Telemetry) RecordCacheOperation(ctx context.Context, result string) {
	if t == nil || t.cacheOperations == nil {
		return
	}

	t.cacheOperations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDeviceAvailable records the available bytes on a device.
func (t *Telemetry) RecordDeviceAvailable(ctx context.Context, deviceID string, available uint64) {
	if t == nil || t.deviceAvailable == nil {
		return
	}

	t.deviceAvailable.Record(ctx, int64(available), metric.WithAttributes(attribute.String("device", deviceID)))
}

// RecordRemediation counts low-space remediation actions.
func (t *Telemetry) RecordRemediation(ctx context.Context, level, action string) {
	if t == nil || t.remediationsTotal == nil {
		return
	}

	t.remediationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
		attribute.String("action", action),
	))
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	var errs []error

	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := t.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s counter: %w", name, err))
		}
		*dst = c
	}

	upDown := func(dst *metric.Int64UpDownCounter, name, desc string) {
		c, err := t.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s counter: %w", name, err))
		}
		*dst = c
	}

	seconds := func(dst *metric.Float64Histogram, name, desc string) {
		h, err := t.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s histogram: %w", name, err))
		}
		*dst = h
	}

	counter(&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests")
	seconds(&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds")
	upDown(&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed")

	counter(&t.chunkFetchesTotal, "chunk_fetches_total", "Total number of chunk fetches by outcome")
	counter(&t.chunkRetriesTotal, "chunk_retries_total", "Total number of chunk fetch retries")
	seconds(&t.chunkDuration, "chunk_fetch_duration_seconds", "Chunk fetch duration in seconds, retries included")
	counter(&t.assembliesTotal, "assemblies_total", "Total number of artifact assemblies by outcome")

	bytes, err := t.meter.Int64Counter("downloaded_bytes_total",
		metric.WithDescription("Total bytes downloaded"), metric.WithUnit("By"))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to create downloaded_bytes_total counter: %w", err))
	}
	t.bytesDownloaded = bytes

	counter(&t.entriesCurated, "curated_entries_total", "Total number of entries emitted by curation")
	counter(&t.entriesSkipped, "curation_skipped_entries_total", "Total number of entries skipped by curation")
	counter(&t.indexBuildsTotal, "index_builds_total", "Total number of index builds")
	seconds(&t.indexBuildTime, "index_build_duration_seconds", "Index build duration in seconds")

	counter(&t.searchesTotal, "searches_total", "Total number of federated searches")
	seconds(&t.searchDuration, "search_duration_seconds", "Federated search duration in seconds")
	counter(&t.moduleSearchFailures, "module_search_failures_total", "Modules excluded from a search merge")
	upDown(&t.modulesLoaded, "modules_loaded", "Number of modules currently loaded")

	counter(&t.cacheOperations, "cache_operations_total", "Content cache hits, misses and evictions")
	counter(&t.remediationsTotal, "storage_remediations_total", "Low-space remediation actions")

	gauge, err := t.meter.Int64Gauge("device_available_bytes",
		metric.WithDescription("Available bytes per storage device"), metric.WithUnit("By"))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to create device_available_bytes gauge: %w", err))
	}
	t.deviceAvailable = gauge

	counter(&t.dbOperationsTotal, "db_operations_total", "Total number of database operations")
	seconds(&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds")

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}
