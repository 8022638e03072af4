// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tracing builds the OpenTelemetry trace pipeline: resource,
// exporter selection, provider lifecycle, and the per-request tracer
// accessor gated by the admin tracing toggle.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/shadowproxy-io/shadowproxy/internal/mode"
	"github.com/shadowproxy-io/shadowproxy/internal/version"
)

// scopeName identifies this module as the instrumentation scope.
const scopeName = "shadowproxy-io/shadowproxy"

// Config selects the trace exporter. The zero value defers entirely to the
// OTEL_* environment variables.
type Config struct {
	// ServiceName becomes the service.name resource attribute unless
	// OTEL_SERVICE_NAME overrides it.
	ServiceName string
	// OTLPEndpoint is the collector URL, e.g. "http://phoenix:4317". When
	// empty, the exporter is chosen from OTEL_TRACES_EXPORTER instead.
	OTLPEndpoint string
	// Protocol is the OTLP transport, "grpc" or "http". Ignored unless
	// OTLPEndpoint is set.
	Protocol string
}

// Tracing owns the tracer provider built by New and its shutdown.
type Tracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	// shutdown is nil when we didn't create a provider.
	shutdown func(context.Context) error
}

// New configures OpenTelemetry tracing from cfg, deferring to OTEL_*
// environment variables when no endpoint is configured. stdout receives
// spans when OTEL_TRACES_EXPORTER=console, which keeps exports synchronous
// for tests. The result is never nil; when tracing is disabled it wraps a
// no-op tracer.
func New(ctx context.Context, cfg Config, stdout io.Writer) (*Tracing, error) {
	// Return no-op tracing if disabled or no exporter/endpoint is configured.
	exporter := os.Getenv("OTEL_TRACES_EXPORTER")
	if os.Getenv("OTEL_SDK_DISABLED") == "true" || exporter == "none" ||
		(cfg.OTLPEndpoint == "" && exporter == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "") {
		return noopTracing(), nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	// Create the tracer provider, special casing console for sync and tests.
	var tp *sdktrace.TracerProvider
	switch {
	case cfg.OTLPEndpoint != "":
		otlpExporter, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(otlpExporter),
			sdktrace.WithResource(res),
		)
	case exporter == "console":
		stdoutExporter, err := stdouttrace.New(stdouttrace.WithWriter(stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(stdoutExporter),
			sdktrace.WithResource(res),
		)
	default: // Configure exporter via ENV variables like OTEL_TRACES_EXPORTER.
		autoExporter, err := autoexport.NewSpanExporter(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		// Configure batcher via ENV variables like OTEL_BSP_SCHEDULE_DELAY.
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(autoExporter),
			sdktrace.WithResource(res),
		)
	}

	return &Tracing{
		tracer: tp.Tracer(scopeName),
		// Configure propagation via the OTEL_PROPAGATORS ENV variable.
		propagator: autoprop.NewTextMapPropagator(),
		shutdown:   tp.Shutdown, // we have to shut down what we create.
	}, nil
}

// newOTLPExporter builds the exporter for an explicitly configured
// collector endpoint. The URL scheme decides TLS: http means insecure.
func newOTLPExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	}
	return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(cfg.OTLPEndpoint))
}

// newResource merges in order: default -> config fallback -> env, so
// OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES take precedence over the
// configured service name.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	envRes, err := resource.New(ctx,
		resource.WithFromEnv(),      // Read OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES.
		resource.WithTelemetrySDK(), // Add telemetry SDK info.
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource from env: %w", err)
	}

	fallbackRes := resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version.Version),
	)

	res, err := resource.Merge(resource.Default(), fallbackRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge default resources: %w", err)
	}
	res, err = resource.Merge(res, envRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge env resource: %w", err)
	}
	return res, nil
}

var noopTracer = noop.NewTracerProvider().Tracer(scopeName)

func noopTracing() *Tracing {
	return &Tracing{
		tracer:     noopTracer,
		propagator: autoprop.NewTextMapPropagator(),
	}
}

// Tracer returns the tracer used for all proxy spans.
func (t *Tracing) Tracer() trace.Tracer { return t.tracer }

// Propagator returns the propagator used to inject trace context into
// upstream request headers.
func (t *Tracing) Propagator() propagation.TextMapPropagator { return t.propagator }

// Enabled reports whether spans can record at all. Callers use it to skip
// attribute extraction work when tracing is off for the whole process.
func (t *Tracing) Enabled() bool {
	// Check if the tracer is a no-op by checking its type.
	_, ok := t.tracer.(noop.Tracer)
	return !ok
}

// TracerWhenEnabled returns the configured tracer when flag is set and a
// no-op tracer otherwise. The handler calls this per request so the
// /api/tracing admin toggle takes effect without a restart.
func (t *Tracing) TracerWhenEnabled(flag *mode.Flag) trace.Tracer {
	if flag.Enabled() {
		return t.tracer
	}
	return noopTracer
}

// Shutdown flushes pending spans. It is a no-op when New did not create a
// provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}
