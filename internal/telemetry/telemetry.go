// Package telemetry wires scoutd's tracer and meter providers: an OTLP
// trace exporter, an OTLP metric exporter, and a Prometheus registry
// exposed over HTTP for scrape-based collection.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/scoutforge/scoutd/config"
)

// Telemetry owns the tracer and meter providers for one process, plus the
// Prometheus registry the HTTP entry's /metrics endpoint serves from.
type Telemetry struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	Registry *prometheus.Registry
}

// Options identifies the process for resource attribution. Setup does not
// read MetricsPort; the metrics listener port comes from
// cfg.MetricsPort.
type Options struct {
	ServiceName    string
	ServiceVersion string
	MetricsPort    int
}

// Setup initializes tracing and metrics for one process. When cfg.Enabled
// is false, it returns no-op tracer/meter handles so instrumentation call
// sites never need a nil check.
func Setup(ctx context.Context, cfg config.TelemetryConfig, opts Options) (*Telemetry, otelmetric.Meter, trace.Tracer, error) {
	if !cfg.Enabled {
		return &Telemetry{Registry: prometheus.NewRegistry()}, otel.Meter(opts.ServiceName), otel.Tracer(opts.ServiceName), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			attribute.String("service.namespace", "scoutd"),
			attribute.String("service.version", opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resource init: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("otlp trace init: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer := tp.Tracer(opts.ServiceName)

	promRegistry := prometheus.NewRegistry()
	promExporter, err := promexporter.New(promexporter.WithRegisterer(promRegistry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("prom exporter init: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("otlp metric init: %w", err)
	}
	periodicReader := sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithReader(periodicReader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	meter := mp.Meter(opts.ServiceName)

	if cfg.MetricsPort > 0 {
		go serveMetrics(promRegistry, cfg.MetricsPort)
	}

	return &Telemetry{tp: tp, mp: mp, Registry: promRegistry}, meter, tracer, nil
}

func serveMetrics(reg *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Printf("telemetry: metrics server error: %v\n", err)
	}
}

// Shutdown flushes both providers. Safe to call on a nil receiver.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.tp != nil {
		if e := t.tp.Shutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown: %w", e)
		}
	}
	if t.mp != nil {
		if e := t.mp.Shutdown(ctx); e != nil {
			if err != nil {
				err = fmt.Errorf("%v; metric shutdown: %w", err, e)
			} else {
				err = fmt.Errorf("metric shutdown: %w", e)
			}
		}
	}
	return err
}

// Metrics holds the Prometheus counters/histograms the dispatcher and
// executor record against. Constructed once and registered against the
// same registry OTel's Prometheus exporter reads from.
type Metrics struct {
	ScoutsDispatched   prometheus.Counter
	ExecutionsFailed   prometheus.Counter
	ExecutionDuration  prometheus.Histogram
	ToolCallsTotal     *prometheus.CounterVec
	StaleReaped        prometheus.Counter
}

// NewMetrics returns the scoutd Prometheus metric set, unregistered; call
// MustRegister to add it to a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ScoutsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scoutd", Name: "scouts_dispatched_total",
			Help: "Total number of scout executions fanned out by the dispatcher.",
		}),
		ExecutionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scoutd", Name: "executions_failed_total",
			Help: "Total number of executions that finished in status failed.",
		}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scoutd", Name: "execution_duration_seconds",
			Help:    "Wall-clock duration of one executor invocation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoutd", Name: "tool_calls_total",
			Help: "Total number of agent-loop tool calls, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		StaleReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scoutd", Name: "stale_executions_reaped_total",
			Help: "Total number of running executions reclaimed by the reaper.",
		}),
	}
}

// MustRegister registers every metric in m against reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.ScoutsDispatched, m.ExecutionsFailed, m.ExecutionDuration, m.ToolCallsTotal, m.StaleReaped)
}
