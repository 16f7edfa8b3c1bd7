// OpenTelemetry provider setup for traces, logs and metrics
// Exporters write JSON to stdout or ship OTLP over HTTP or gRPC
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

var validProtocols = map[string]bool{
	"http/protobuf": true,
	"grpc":          true,
}

func validateProtocol(p string) error {
	if !validProtocols[p] {
		return fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", p)
	}
	return nil
}

func parseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, logs, metrics", sig)
		}
		set[sig] = true
	}
	return set, nil
}

const (
	shutdownTimeout     = 5 * time.Second
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

func checkEndpoint(endpoint, protocol, tablePath string) error {
	host := endpoint
	port := defaultHTTPPort
	if protocol == "grpc" {
		port = defaultGRPCPort
	}
	if host == "" {
		host = "localhost:" + port
	} else if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To emit signals as JSON to the terminal, use --stdout:\n"+
			"  scopetrace run --stdout --table %s capture.bin\n\n"+
			"To send to a specific collector, use --endpoint:\n"+
			"  scopetrace run --endpoint collector.example.com:4318 --table %s capture.bin", host, tablePath, tablePath)
	}
	_ = conn.Close()
	return nil
}

// telemetry holds the providers for one run. logger and meter are nil when
// their signal is disabled; tracer is always set so scopes still have
// handles, but it exports nothing unless traces are enabled.
type telemetry struct {
	tracer *sdktrace.TracerProvider
	logger *sdklog.LoggerProvider
	meter  *sdkmetric.MeterProvider
	errOut io.Writer
}

func setupTelemetry(ctx context.Context, opts runOptions, signals map[string]bool, out, errOut io.Writer) (*telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", opts.serviceName),
		attribute.String("scopetrace.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tel := &telemetry{errOut: errOut}

	if signals["traces"] {
		exporter, err := createTraceExporter(ctx, opts, out)
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		var sp sdktrace.SpanProcessor
		if opts.stdout {
			sp = sdktrace.NewSimpleSpanProcessor(exporter)
		} else {
			sp = sdktrace.NewBatchSpanProcessor(exporter)
		}
		tel.tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sp), sdktrace.WithResource(res))
	} else {
		tel.tracer = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}

	if signals["logs"] {
		exporter, err := createLogExporter(ctx, opts, out)
		if err != nil {
			tel.shutdown()
			return nil, fmt.Errorf("creating log exporter: %w", err)
		}
		var processor sdklog.Processor
		if opts.stdout {
			processor = sdklog.NewSimpleProcessor(exporter)
		} else {
			processor = sdklog.NewBatchProcessor(exporter)
		}
		tel.logger = sdklog.NewLoggerProvider(sdklog.WithProcessor(processor), sdklog.WithResource(res))
	}

	if signals["metrics"] {
		exporter, err := createMetricExporter(ctx, opts, out)
		if err != nil {
			tel.shutdown()
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		tel.meter = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
			sdkmetric.WithResource(res),
		)
	}

	return tel, nil
}

// shutdown flushes and stops every provider.
func (t *telemetry) shutdown() {
	var items []shutdownable
	if t.tracer != nil {
		items = append(items, t.tracer)
	}
	if t.logger != nil {
		items = append(items, t.logger)
	}
	if t.meter != nil {
		items = append(items, t.meter)
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownAll(ctx, t.errOut, items, "telemetry provider")
}

// exporterSet holds one constructor per destination for a single signal.
type exporterSet[E any] struct {
	stdout func() (E, error)
	grpc   func() (E, error)
	http   func() (E, error)
}

// build picks the constructor matching --stdout and --protocol.
func (s exporterSet[E]) build(opts runOptions) (E, error) {
	switch {
	case opts.stdout:
		return s.stdout()
	case opts.protocol == "grpc":
		return s.grpc()
	case opts.protocol == "http/protobuf" || opts.protocol == "":
		return s.http()
	default:
		var zero E
		return zero, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", opts.protocol)
	}
}

// endpointOptions targets a plaintext collector when --endpoint is set and
// leaves the exporter's environment defaults alone otherwise.
func endpointOptions[O any](endpoint string, withEndpoint func(string) O, withInsecure func() O) []O {
	if endpoint == "" {
		return nil
	}
	return []O{withEndpoint(endpoint), withInsecure()}
}

func createTraceExporter(ctx context.Context, opts runOptions, out io.Writer) (sdktrace.SpanExporter, error) {
	return exporterSet[sdktrace.SpanExporter]{
		stdout: func() (sdktrace.SpanExporter, error) { return stdouttrace.New(stdouttrace.WithWriter(out)) },
		grpc: func() (sdktrace.SpanExporter, error) {
			return otlptracegrpc.New(ctx, endpointOptions(opts.endpoint, otlptracegrpc.WithEndpoint, otlptracegrpc.WithInsecure)...)
		},
		http: func() (sdktrace.SpanExporter, error) {
			return otlptracehttp.New(ctx, endpointOptions(opts.endpoint, otlptracehttp.WithEndpoint, otlptracehttp.WithInsecure)...)
		},
	}.build(opts)
}

func createMetricExporter(ctx context.Context, opts runOptions, out io.Writer) (sdkmetric.Exporter, error) {
	return exporterSet[sdkmetric.Exporter]{
		stdout: func() (sdkmetric.Exporter, error) { return stdoutmetric.New(stdoutmetric.WithWriter(out)) },
		grpc: func() (sdkmetric.Exporter, error) {
			return otlpmetricgrpc.New(ctx, endpointOptions(opts.endpoint, otlpmetricgrpc.WithEndpoint, otlpmetricgrpc.WithInsecure)...)
		},
		http: func() (sdkmetric.Exporter, error) {
			return otlpmetrichttp.New(ctx, endpointOptions(opts.endpoint, otlpmetrichttp.WithEndpoint, otlpmetrichttp.WithInsecure)...)
		},
	}.build(opts)
}

func createLogExporter(ctx context.Context, opts runOptions, out io.Writer) (sdklog.Exporter, error) {
	return exporterSet[sdklog.Exporter]{
		stdout: func() (sdklog.Exporter, error) { return stdoutlog.New(stdoutlog.WithWriter(out)) },
		grpc: func() (sdklog.Exporter, error) {
			return otlploggrpc.New(ctx, endpointOptions(opts.endpoint, otlploggrpc.WithEndpoint, otlploggrpc.WithInsecure)...)
		},
		http: func() (sdklog.Exporter, error) {
			return otlploghttp.New(ctx, endpointOptions(opts.endpoint, otlploghttp.WithEndpoint, otlploghttp.WithInsecure)...)
		},
	}.build(opts)
}

// shutdownable is anything with a Shutdown method (TracerProvider, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within the given context.
// Errors are reported to w individually; a slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, w io.Writer, items []S, label string) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				mu.Lock()
				_, _ = fmt.Fprintf(w, "error shutting down %s: %v\n", label, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
}
