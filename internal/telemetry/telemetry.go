// Package telemetry wires up the OpenTelemetry meter provider and the
// Prometheus endpoint the relay's metrics are scraped from.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/picatz/dohrelay/internal/config"
	"github.com/picatz/dohrelay/internal/logging"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/picatz/dohrelay"

// cardinalityLimit caps the attribute sets kept per instrument. Sets past
// the limit are folded into a single overflow series.
const cardinalityLimit = 2000

// Values of the "upstream" attribute on upstream metrics. Upstream hosts
// come from request paths, so the host itself is never used as a label.
const (
	UpstreamDefault = "default"
	UpstreamCustom  = "custom"
)

type upstreamKindKey struct{}

// WithUpstreamKind returns a copy of ctx whose upstream round trips are
// labelled with kind.
func WithUpstreamKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, upstreamKindKey{}, kind)
}

// UpstreamKind returns the label set by WithUpstreamKind, or
// UpstreamCustom when there is none.
func UpstreamKind(ctx context.Context) string {
	if kind, ok := ctx.Value(upstreamKindKey{}).(string); ok && kind != "" {
		return kind
	}
	return UpstreamCustom
}

// Telemetry holds the meter provider and the Prometheus registry
type Telemetry struct {
	cfg           *config.TelemetryConfig
	meterProvider metric.MeterProvider
	registry      *promclient.Registry
	logger        *logging.Logger
}

// Metrics holds all relay metrics. A nil *Metrics records nothing.
type Metrics struct {
	Requests         metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	UpstreamRequests metric.Int64Counter
	UpstreamErrors   metric.Int64Counter
	UpstreamDuration metric.Float64Histogram
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if cfg.PrometheusEnabled {
		// A private registry keeps several instances (tests, reloads)
		// from colliding in the default one.
		t.registry = promclient.NewRegistry()

		exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
			sdkmetric.WithCardinalityLimit(cardinalityLimit),
		)

		t.meterProvider = provider
		otel.SetMeterProvider(provider)
	} else {
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithCardinalityLimit(cardinalityLimit),
		)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// Handler serves the Prometheus exposition format. It answers 404 when
// Prometheus is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// ListenAndServe serves /metrics on the configured Prometheus port until
// ctx is done. It returns immediately when Prometheus is disabled.
func (t *Telemetry) ListenAndServe(ctx context.Context) error {
	if t.registry == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("prometheus server failed: %w", err)
	}
	return nil
}

// InitMetrics initializes and returns all relay metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(meterName)

	requests, err := meter.Int64Counter(
		"dohrelay.requests",
		metric.WithDescription("Requests handled, by routing mode and status code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"dohrelay.request.duration",
		metric.WithDescription("Request handling duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	upstreamRequests, err := meter.Int64Counter(
		"dohrelay.upstream.requests",
		metric.WithDescription("Requests sent to upstream DoH servers, by upstream kind and status code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream requests counter: %w", err)
	}

	upstreamErrors, err := meter.Int64Counter(
		"dohrelay.upstream.errors",
		metric.WithDescription("Upstream requests that failed without a response"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream errors counter: %w", err)
	}

	upstreamDuration, err := meter.Float64Histogram(
		"dohrelay.upstream.duration",
		metric.WithDescription("Upstream round trip duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream duration histogram: %w", err)
	}

	return &Metrics{
		Requests:         requests,
		RequestDuration:  requestDuration,
		UpstreamRequests: upstreamRequests,
		UpstreamErrors:   upstreamErrors,
		UpstreamDuration: upstreamDuration,
	}, nil
}

// RecordRequest records one handled request.
func (m *Metrics) RecordRequest(ctx context.Context, mode string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.Requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", strconv.Itoa(status)),
	))
	m.RequestDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// InstrumentTransport wraps next so every upstream round trip is
// counted and timed. It returns next unchanged for a nil *Metrics.
func (m *Metrics) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if m == nil {
		return next
	}
	return &instrumentedTransport{next: next, metrics: m}
}

type instrumentedTransport struct {
	next    http.RoundTripper
	metrics *Metrics
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.next.RoundTrip(req)

	ctx := req.Context()
	kind := attribute.String("upstream", UpstreamKind(ctx))

	t.metrics.UpstreamDuration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(kind))

	if err != nil {
		t.metrics.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(kind))
		return nil, err
	}

	t.metrics.UpstreamRequests.Add(ctx, 1, metric.WithAttributes(
		kind,
		attribute.String("status", strconv.Itoa(resp.StatusCode)),
	))

	return resp, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown flushes and stops the meter provider
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("meter provider shutdown: %w", err)
		}
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
