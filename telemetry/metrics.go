// Package telemetry provides request metrics for the sorry server.
//
// Metrics is an explicit value constructed at startup and passed by
// reference into the request path, rather than a process-wide
// singleton, so construction order stays visible and the registry can
// be exercised in isolation in tests.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const meterName = "github.com/wolfeidau/sorry-server"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// FlushInterval is how often to export metrics over OTLP (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the metric instruments and the Prometheus exposition
// handler. Instruments are safe for concurrent use.
type Metrics struct {
	requestsTotal         metric.Int64Counter
	bytesSentTotal        metric.Int64Counter
	requestDuration       metric.Float64Histogram
	requestsInFlight      metric.Int64UpDownCounter
	connectionErrorsTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

// New builds the metric instruments backed by a private Prometheus
// registry, plus an optional OTLP exporter when an endpoint is
// configured.
func New(ctx context.Context, cfg Config) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sorry-server"
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
		return nil, err
	}

	registry := prometheus.NewRegistry()
	promExp, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests, partitioned by status code"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	bytesSentTotal, err := meter.Int64Counter(
		"bytes_sent_total",
		metric.WithDescription("Total body bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	requestsInFlight, err := meter.Int64UpDownCounter(
		"requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being handled"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	connectionErrorsTotal, err := meter.Int64Counter(
		"connection_errors_total",
		metric.WithDescription("Total connection-level failures while writing responses"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestsTotal:         requestsTotal,
		bytesSentTotal:        bytesSentTotal,
		requestDuration:       requestDuration,
		requestsInFlight:      requestsInFlight,
		connectionErrorsTotal: connectionErrorsTotal,
		meterProvider:         mp,
		promHandler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// RecordRequest records one completed request: exactly one count
// tagged with the emitted status code, the emitted body length, and
// the request latency.
func (m *Metrics) RecordRequest(ctx context.Context, status int, bytesSent int64, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", strconv.Itoa(status)))
	m.requestsTotal.Add(ctx, 1, attrs)
	m.bytesSentTotal.Add(ctx, bytesSent, attrs)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RequestStarted marks a request as in flight.
func (m *Metrics) RequestStarted(ctx context.Context) {
	m.requestsInFlight.Add(ctx, 1)
}

// RequestFinished marks an in-flight request as complete.
func (m *Metrics) RequestFinished(ctx context.Context) {
	m.requestsInFlight.Add(ctx, -1)
}

// RecordConnectionError records a failure writing a response to a peer.
func (m *Metrics) RecordConnectionError(ctx context.Context) {
	m.connectionErrorsTotal.Add(ctx, 1)
}

// Handler returns the Prometheus exposition handler for the metrics
// listener. Encoding failures are reported to the scraper by promhttp
// and never touch the content path.
func (m *Metrics) Handler() http.Handler {
	return m.promHandler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.meterProvider.Shutdown(ctx)
}
