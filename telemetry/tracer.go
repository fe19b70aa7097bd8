package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracerOptions describes the process whose executions are traced
type TracerOptions struct {
	ServiceName  string
	ApprovalMode string
	Shell        string
	Output       io.Writer // span sink, os.Stdout when nil
	Logger       *slog.Logger
}

// InitTracer installs a global tracer provider exporting execution and stage
// attempt spans as JSON. The returned function flushes and shuts it down.
func InitTracer(opts TracerOptions) (func(context.Context) error, error) {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.Output))
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(buildVersion()),
			attribute.String("pipegate.approval_mode", opts.ApprovalMode),
			attribute.String("pipegate.shell", opts.Shell),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	opts.Logger.Info("tracing enabled",
		slog.String("service", opts.ServiceName),
		slog.String("approval_mode", opts.ApprovalMode),
	)
	return tp.Shutdown, nil
}

// buildVersion returns the main module version stamped by the Go toolchain
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}
