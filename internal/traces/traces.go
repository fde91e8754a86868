// Package traces provides OpenTelemetry distributed tracing for Kestrel.
package traces

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const tracerName = "github.com/opensource-finance/kestrel"

// Init initializes the OpenTelemetry tracer provider.
// If tracing is disabled or no endpoint is set, the global no-op provider stays.
// Returns a shutdown function that should be called on server stop.
func Init(ctx context.Context, cfg domain.TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		slog.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "kestrel"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "service_name", serviceName)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Middleware opens a server span per request and stores its trace ID in the
// request context for audit records.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = domain.WithTraceID(ctx, sc.TraceID().String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))

		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			span.SetName(r.Method + " " + rctx.RoutePattern())
		}
	})
}

// Common attribute helpers for consistent span decoration.

func TenantID(id string) attribute.KeyValue {
	return attribute.String("tenant.id", id)
}

func Source(name string) attribute.KeyValue {
	return attribute.String("signal.source", name)
}

func Category(c string) attribute.KeyValue {
	return attribute.String("risk.category", c)
}

func Band(b string) attribute.KeyValue {
	return attribute.String("risk.band", b)
}

func Score(s float64) attribute.KeyValue {
	return attribute.Float64("risk.score", s)
}

func DecisionID(id string) attribute.KeyValue {
	return attribute.String("decision.id", id)
}
