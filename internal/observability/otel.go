// Package observability wires OpenTelemetry tracing into genkit.
//
// Genkit instruments every flow and model call with OTel spans but exports
// nothing on its own. Setup attaches an OTLP HTTP exporter to genkit's
// TracerProvider so those spans reach a collector: Jaeger, Grafana Tempo,
// the Datadog Agent, or any other OTLP receiver.
//
// Tracing is opt-in. With no endpoint configured Setup does nothing and
// returns a no-op shutdown. Point it at a collector via config:
//
//	otel:
//	  endpoint: "localhost:4318"
//	  environment: "dev"
//	  service_name: "quern"
//
// or via OTEL_EXPORTER_OTLP_ENDPOINT. The exporter speaks OTLP/HTTP without
// TLS, which assumes a collector on localhost or a trusted network.
package observability

import (
	"context"
	"os"
	"time"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/quern-ai/quern/internal/log"
)

// Config for the trace exporter.
type Config struct {
	// Endpoint is the OTLP HTTP receiver, host:port. Empty disables tracing.
	Endpoint string
	// Environment tags every span with deployment.environment.
	Environment string
	// ServiceName is the service name shown in the tracing backend.
	ServiceName string
}

// shutdownTimeout bounds the final span flush during teardown.
const shutdownTimeout = 5 * time.Second

// Setup registers an OTLP exporter with genkit's TracerProvider and returns
// a shutdown function that flushes pending spans. Exporter failures degrade
// to a warning rather than aborting startup: the service runs untraced.
func Setup(ctx context.Context, cfg Config, logger log.Logger) func() {
	if cfg.Endpoint == "" {
		logger.Debug("tracing disabled, no otlp endpoint configured")
		return func() {}
	}

	// Genkit's TracerProvider reads service identity from the standard OTEL
	// env vars when it builds its resource.
	// SAFETY: os.Setenv is not concurrent-safe, but Setup is called exactly
	// once during startup, before goroutines are spawned.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(), // local collector, no TLS
	)
	if err != nil {
		logger.Warn("creating otlp exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	shutdown := tracing.TracerProvider().Shutdown

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}
