package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span exporters.
const (
	ExporterNone   = "none"   // spans carry trace IDs but are not exported
	ExporterStdout = "stdout" // JSON spans on standard output
	ExporterFile   = "file"   // JSON spans appended to Config.File
)

// Config selects the service name and where finished spans go.
type Config struct {
	ServiceName string
	Exporter    string
	File        string
}

var (
	providerOnce   sync.Once
	providerMu     sync.RWMutex
	provider       *sdktrace.TracerProvider
	providerCloser io.Closer
	providerErr    error
)

// NewTracerProvider builds a tracer provider for cfg. The returned closer, if
// non-nil, must be closed after the provider is shut down.
func NewTracerProvider(cfg Config) (*sdktrace.TracerProvider, io.Closer, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
		sdktrace.WithResource(res),
	}

	var closer io.Closer
	switch cfg.Exporter {
	case "", ExporterNone:
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterFile:
		if cfg.File == "" {
			return nil, nil, errors.New("file exporter needs a file path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create trace directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create file exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		closer = f
	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	return sdktrace.NewTracerProvider(opts...), closer, nil
}

// InitOpenTelemetry installs the process-wide tracer provider. Only the first
// call has any effect.
func InitOpenTelemetry(cfg Config) error {
	providerOnce.Do(func() {
		tp, closer, err := NewTracerProvider(cfg)
		if err != nil {
			providerErr = err
			return
		}

		providerMu.Lock()
		provider = tp
		providerCloser = closer
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes pending spans and releases the exporter output.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp, closer := provider, providerCloser
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}

	err := tp.Shutdown(ctx)
	if closer != nil {
		err = errors.Join(err, closer.Close())
	}
	return err
}

// StartSpan starts a span and records its trace ID in ctx if none is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// EndSpan records err on span (when non-nil) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
