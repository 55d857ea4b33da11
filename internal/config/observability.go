package config

// OtelConfig holds OTLP trace export configuration.
//
// Tracing is disabled when Endpoint is empty; Genkit spans then stay
// in-process. See internal/observability/otel.go for setup details.
type OtelConfig struct {
	// Endpoint is the OTLP/HTTP collector endpoint (e.g. localhost:4318).
	// Empty disables trace export.
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the service name on exported spans (default: quern)
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error" (default: info)
	Level string `mapstructure:"level" json:"level"`
	// Format selects the handler: "text" or "json" (default: text)
	Format string `mapstructure:"format" json:"format"`
}
