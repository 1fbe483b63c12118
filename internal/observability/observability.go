// Package observability wires process-wide logging: a slog handler on stderr
// plus optional OpenTelemetry log export driven by the standard OTEL_*
// environment variables.
//
// Nothing here writes to stdout. That stream carries exactly one line, the
// token, and belongs to the application.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

// instrumentationName identifies this module in exported log records.
const instrumentationName = "github.com/jslofsgaard/oauth2ms"

// loggerProvider holds the OTel pipeline between Instrument and Shutdown.
var loggerProvider *sdklog.LoggerProvider

// Instrument installs the process-wide slog default: text or json on stderr,
// duplicated to an OTel exporter when the OTEL_* environment requests one.
func Instrument(level slog.Level, format string) error {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	provider, err := newLoggerProvider(level)
	if err != nil {
		return fmt.Errorf("building otel log pipeline: %w", err)
	}
	if provider != nil {
		loggerProvider = provider
		bridge := otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))
		handler = teeHandler{console: handler, bridge: bridge}
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Shutdown flushes and stops the OTel log pipeline, if one was started.
func Shutdown(ctx context.Context) error {
	if loggerProvider == nil {
		return nil
	}
	return loggerProvider.Shutdown(ctx)
}

// newLoggerProvider builds the exporter pipeline requested by the standard
// OTel environment variables. Returns nil when no export is configured, which
// is the common case for a CLI run.
func newLoggerProvider(level slog.Level) (*sdklog.LoggerProvider, error) {
	names := os.Getenv("OTEL_LOGS_EXPORTER")
	if names == "" {
		// An endpoint alone implies the default otlp exporter.
		if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") == "" {
			return nil, nil
		}
		names = "otlp"
	}

	ctx := context.Background()
	var processors []sdklog.Processor

	for _, name := range strings.Split(names, ",") {
		var (
			exporter sdklog.Exporter
			err      error
		)
		switch strings.TrimSpace(name) {
		case "", "none":
			continue
		case "otlp":
			exporter, err = newOTLPExporter(ctx)
		case "console":
			exporter, err = stdoutlog.New()
		default:
			return nil, fmt.Errorf("unsupported OTEL_LOGS_EXPORTER value %q", name)
		}
		if err != nil {
			return nil, err
		}
		processors = append(processors, minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(level)))
	}

	if len(processors) == 0 {
		return nil, nil
	}

	providerOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(resource.Default())}
	for _, p := range processors {
		providerOpts = append(providerOpts, sdklog.WithProcessor(p))
	}
	return sdklog.NewLoggerProvider(providerOpts...), nil
}

// newOTLPExporter builds the OTLP log exporter for the configured protocol.
// Endpoint, headers and TLS settings come from the standard
// OTEL_EXPORTER_OTLP_* variables read by the exporter itself.
func newOTLPExporter(ctx context.Context) (sdklog.Exporter, error) {
	protocol := os.Getenv("OTEL_EXPORTER_OTLP_LOGS_PROTOCOL")
	if protocol == "" {
		protocol = os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL")
	}

	switch protocol {
	case "", "grpc":
		return otlploggrpc.New(ctx)
	case "http/protobuf":
		return otlploghttp.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// severity maps a slog level to the minimum OTel severity worth exporting.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// teeHandler duplicates records to the console handler and the OTel bridge.
type teeHandler struct {
	console slog.Handler
	bridge  slog.Handler
}

// Compile-time check to ensure teeHandler implements slog.Handler
var _ slog.Handler = teeHandler{}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.console.Enabled(ctx, level) || t.bridge.Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	if t.console.Enabled(ctx, record.Level) {
		if err := t.console.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if t.bridge.Enabled(ctx, record.Level) {
		if err := t.bridge.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{console: t.console.WithAttrs(attrs), bridge: t.bridge.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{console: t.console.WithGroup(name), bridge: t.bridge.WithGroup(name)}
}
