package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config is the telemetry configuration of one process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment is reported as deployment.environment on every span.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string

	EnableCaller bool

	// EnableSampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th.
	EnableSampling     bool
	SamplingInitial    int `validate:"gte=0"`
	SamplingThereafter int `validate:"gte=0"`

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector, host:port.
	Endpoint string

	SamplingRate       float64       `validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `validate:"gte=0"`
	ExportTimeout      time.Duration `validate:"gte=0"`
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress starts a dedicated metrics listener. Empty serves
	// metrics from the API server only.
	ListenAddress string

	Path                    string `validate:"required_with=ListenAddress"`
	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	Enabled      bool
	BufferSize   int `validate:"gte=0"`
	MaxBatchSize int `validate:"gte=0"`

	// EnableAsync delivers events from a background goroutine. Synchronous
	// delivery runs subscribers on the publishing goroutine.
	EnableAsync bool
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "envalloc",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "envalloc",
			// Reservation attempts are milliseconds, whole requests up to the wait budget.
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.025, 0.1, 0.25, 1, 5, 15, 30, 60, 300, 900,
			},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			MaxBatchSize: 100,
			EnableAsync:  true,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid telemetry config: otlp exporter needs an endpoint")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("invalid telemetry config: event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}
