// Package telemetry wires the sync engine's spans, per-source counters and
// log records to an OTLP gRPC collector, and builds the process logger.
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc].
// Without a collector the global providers stay no-ops and [NewLogger]
// writes to the console only.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is used for service.name and the log bridge scope when
// the config leaves them empty.
const DefaultServiceName = "listingrelay"

// Config mirrors the telemetry block of the YAML config, plus the build
// version reported as service.version.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port, e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure dials the collector without TLS.
	Insecure bool

	// ServiceName defaults to [DefaultServiceName].
	ServiceName string

	// ServiceVersion is omitted from the resource when empty.
	ServiceVersion string

	// Headers is sent as gRPC metadata on every export, typically an
	// Authorization token.
	Headers map[string]string
}

// Name returns the effective service name.
func (c Config) Name() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// ShutdownFunc flushes and closes the providers. Pass a fresh context; the
// run context is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// Setup installs global trace, metric and log providers that export over one
// shared gRPC connection. The returned function is never nil, so callers can
// defer it even when Setup fails.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return noopShutdown, errors.New("OTLP endpoint is required")
	}
	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, fmt.Errorf("building OTel resource: %w", err)
	}
	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var chain shutdownChain
	chain.push("OTLP gRPC connection close", func(context.Context) error { return conn.Close() })
	fail := func(err error) (ShutdownFunc, error) {
		_ = chain.shutdown(ctx)
		return noopShutdown, err
	}

	tp, err := newTracerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	otel.SetTracerProvider(tp)
	chain.push("trace provider shutdown", tp.Shutdown)

	mp, err := newMeterProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	otel.SetMeterProvider(mp)
	chain.push("metric provider shutdown", mp.Shutdown)

	lp, err := newLoggerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	global.SetLoggerProvider(lp)
	chain.push("log provider shutdown", lp.Shutdown)

	return chain.shutdown, nil
}

// newResource merges the SDK defaults with service.name and, when set,
// service.version. The service attributes are schemaless so the SDK's
// semconv version and ours never conflict.
func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.Name())}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func newTracerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn), otlptracegrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn), otlpmetricgrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn), otlploggrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// shutdownChain runs its steps in reverse push order, so providers flush
// before the connection they export over is closed.
type shutdownChain []shutdownStep

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

func (c *shutdownChain) push(name string, fn func(context.Context) error) {
	*c = append(*c, shutdownStep{name: name, fn: fn})
}

func (c shutdownChain) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c[i].name, err))
		}
	}
	return errors.Join(errs...)
}

func noopShutdown(context.Context) error { return nil }
