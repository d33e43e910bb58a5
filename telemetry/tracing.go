package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig is read from the standard OTEL_* variables.
type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// TracingConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_EXPORTER_OTLP_INSECURE (default true) and OTEL_TRACES_SAMPLER_ARG
// (a ratio in (0,1], default 1).
func TracingConfigFromEnv() TracingConfig {
	tc := TracingConfig{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    true,
		SampleRatio: 1,
	}
	if v, err := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); err == nil {
		tc.Insecure = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil && v > 0 && v <= 1 {
		tc.SampleRatio = v
	}
	return tc
}

var tracingOn bool

// InitTracing installs an OTLP/gRPC tracer provider. Without an endpoint it
// does nothing and spans come from the global no-op provider. The returned
// func flushes pending spans.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	tc := TracingConfigFromEnv()
	if tc.Endpoint == "" {
		slog.Info("tracing disabled", slog.String("component", "telemetry"))
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	tracingOn = true
	slog.Info("tracing enabled",
		slog.String("component", "telemetry"),
		slog.String("endpoint", tc.Endpoint),
		slog.Float64("sample_ratio", tc.SampleRatio))

	return func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := tp.Shutdown(sctx); err != nil {
			slog.Warn("tracer shutdown", slog.String("component", "telemetry"), slog.Any("err", err))
		}
	}, nil
}

// TracingEnabled reports whether InitTracing installed an exporter.
func TracingEnabled() bool { return tracingOn }

// StartSpan starts a span on the named tracer, tagging it with the request's
// correlation id when one is present.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := GetCorrelation(ctx); id != "" {
		attrs = append(attrs, attribute.String("correlation_id", id))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) { span.SetStatus(codes.Ok, "") }

func HTTPMethodAttr(method string) attribute.KeyValue { return attribute.String("http.method", method) }

func HTTPRouteAttr(route string) attribute.KeyValue { return attribute.String("http.route", route) }

func HTTPURLAttr(url string) attribute.KeyValue { return attribute.String("http.url", url) }

// UploadIDAttr tags a span with an upload record id.
func UploadIDAttr(id string) attribute.KeyValue { return attribute.String("formcheck.upload_id", id) }

func SetSpanHTTPStatus(span trace.Span, code int) {
	span.SetAttributes(attribute.Int("http.status_code", code))
}

// ErrorStatus returns the span status for a failed operation.
func ErrorStatus(msg string) (codes.Code, string) { return codes.Error, msg }
