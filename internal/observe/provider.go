package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// TransportKey is the resource attribute naming the configured realtime
// speech service.
const TransportKey = attribute.Key("voxline.transport")

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "voxline".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// Transport names the realtime speech service this process talks to. It
	// is attached to every metric and span as [TransportKey].
	Transport string

	// Registry receives the OTel metrics together with Go runtime and process
	// collectors; the ops server serves it on /metrics. When nil the metrics
	// go to the default Prometheus registry, which already carries both.
	Registry *prometheus.Registry

	// TraceExporter is an optional span exporter. Without one, spans are
	// recorded for log correlation but not exported.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global MeterProvider (bridged to Prometheus), the
// global TracerProvider, and the W3C Trace Context propagator. The returned
// function flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxline"
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}
	if cfg.Transport != "" {
		res, err = resource.Merge(res, resource.NewSchemaless(TransportKey.String(cfg.Transport)))
		if err != nil {
			return nil, fmt.Errorf("observe: resource: %w", err)
		}
	}

	var exporterOpts []promexporter.Option
	if cfg.Registry != nil {
		if err := registerRuntimeCollectors(cfg.Registry); err != nil {
			return nil, err
		}
		exporterOpts = append(exporterOpts, promexporter.WithRegisterer(cfg.Registry))
	}
	promExp, err := promexporter.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func registerRuntimeCollectors(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return fmt.Errorf("observe: register runtime collector: %w", err)
			}
		}
	}
	return nil
}
