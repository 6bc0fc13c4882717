// Package traces provides OpenTelemetry distributed tracing for the firewall pipeline.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "qff"
	tracerName  = "github.com/mbd888/qff"
)

// Options configures the tracer provider.
type Options struct {
	Endpoint    string  // OTLP gRPC collector; empty disables export
	Version     string  // reported as service.version
	SampleRatio float64 // fraction of root spans kept, 0..1
	Secure      bool    // use TLS to the collector
}

// Init installs a batching OTLP tracer provider and the W3C propagators.
// With no endpoint the global no-op provider is left in place. The returned
// func flushes pending spans and must be called on shutdown.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if !opts.Secure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := NewProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res), sdktrace.WithSampler(Sampler(opts.SampleRatio)))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// NewProvider builds an SDK provider from the given options. Tests pass a
// span recorder through sdktrace.WithSpanProcessor.
func NewProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(opts...)
}

// Sampler keeps ratio of root spans and follows the parent decision for
// children. Ratios at or above 1 sample everything.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(max(ratio, 0)))
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it as errored. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Attribute helpers for consistent span decoration.

func TransactionType(t string) attribute.KeyValue {
	return attribute.String("tx.type", t)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("tx.amount", amount)
}

func RiskScore(score int) attribute.KeyValue {
	return attribute.Int("risk.score", score)
}

func Recommendation(rec string) attribute.KeyValue {
	return attribute.String("risk.recommendation", rec)
}

func SessionID(id string) attribute.KeyValue {
	return attribute.String("quantum.session_id", id)
}

func SessionStatus(status string) attribute.KeyValue {
	return attribute.String("quantum.status", status)
}

func LedgerEntryID(id string) attribute.KeyValue {
	return attribute.String("ledger.entry_id", id)
}

func Rail(rail string) attribute.KeyValue {
	return attribute.String("rail", rail)
}
