package config

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled   bool   `env:"CONDUCTOR_OTEL_ENABLED" default:"true"`
	OTelCollector string `env:"CONDUCTOR_OTEL_COLLECTOR" default:"localhost:4317"`
}
