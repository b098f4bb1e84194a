// Package telemetry sets up OpenTelemetry tracing and the span helpers used
// around network boundaries.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ziggurat"

// Config controls trace export. An empty OTLPEndpoint leaves the global
// no-op provider in place.
type Config struct {
	OTLPEndpoint string
	Insecure     bool
	Version      string
}

// ShutdownFunc flushes and stops the trace provider.
type ShutdownFunc func(ctx context.Context) error

// Init installs a batching tracer provider exporting over OTLP gRPC.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", "ziggurat"),
		attribute.String("service.version", cfg.Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}

// StartTaskSpan starts the span covering one pipeline run.
func StartTaskSpan(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartFanoutSpan starts the span covering one verification round.
func StartFanoutSpan(ctx context.Context, fingerprint string, round, networks int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "verify.fanout",
		trace.WithAttributes(
			attribute.String("verification.fingerprint", fingerprint),
			attribute.Int("verification.round", round),
			attribute.Int("verification.networks", networks),
		),
	)
}

// StartDispatchSpan starts the span covering one settlement dispatch.
func StartDispatchSpan(ctx context.Context, key, rail string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "settlement.dispatch",
		trace.WithAttributes(
			attribute.String("payment.idempotency_key", key),
			attribute.String("payment.rail", rail),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
