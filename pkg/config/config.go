package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/envalloc/envalloc/pkg/policy"
	"github.com/envalloc/envalloc/pkg/telemetry"
)

// Environment variables recognized at start-up. They override the file.
const (
	envGraphQLURL      = "ENVALLOC_GRAPHQL_URL"
	envBaseURL         = "ENVALLOC_BASE_URL"
	envListenAddress   = "ENVALLOC_LISTEN_ADDRESS"
	envStoreBackend    = "ENVALLOC_STORE_BACKEND"
	envStoreHost       = "ENVALLOC_STORE_HOST"
	envStorePort       = "ENVALLOC_STORE_PORT"
	envStoreUsername   = "ENVALLOC_STORE_USERNAME"
	envStorePassword   = "ENVALLOC_STORE_PASSWORD"
	envWaitTimeout     = "ENVALLOC_WAIT_TIMEOUT"
	envEncryptionKey   = "ENVALLOC_ENCRYPTION_KEY"
	envWorkerLogLevel  = "ENVALLOC_WORKER_LOG_LEVEL"
	envWorkers         = "ENVALLOC_WORKERS"
	envDatabasePath    = "ENVALLOC_DATABASE_PATH"
	envCatalogFile     = "ENVALLOC_CATALOG_FILE"
	envPolicyDir       = "ENVALLOC_POLICY_DIR"
	envLogLevel        = "ENVALLOC_LOG_LEVEL"
	envLogFormat       = "ENVALLOC_LOG_FORMAT"
	envTracingEndpoint = "ENVALLOC_OTLP_ENDPOINT"
)

// Store backends.
const (
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

// Config is the process configuration. It is loaded once at start-up and
// never reloaded.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Store      StoreConfig      `yaml:"store"`
	Database   DatabaseConfig   `yaml:"database"`
	Allocation AllocationConfig `yaml:"allocation"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Policy     PolicyConfig     `yaml:"policy"`
	Security   SecurityConfig   `yaml:"security"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// ListenAddress is the address the API listens on.
	ListenAddress string `yaml:"listen_address" validate:"required"`

	// BaseURL is the externally reachable URL of this service, used in
	// Location headers.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// CatalogConfig selects and tunes the resource catalog.
type CatalogConfig struct {
	// GraphQLURL is the event repository endpoint.
	GraphQLURL string `yaml:"graphql_url" validate:"omitempty,url"`

	// File is a YAML inventory used instead of GraphQL.
	File string `yaml:"file"`

	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	PageSize int           `yaml:"page_size" validate:"gte=0,lte=1000"`

	// CacheTTL is how long a listing is reused. Zero disables the cache.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`

	// StaleTTL is how long a cached listing may be served while the
	// catalog is unreachable.
	StaleTTL time.Duration `yaml:"stale_ttl" validate:"gte=0"`
}

// StoreConfig configures the lease store.
type StoreConfig struct {
	Backend  string `yaml:"backend" validate:"required,oneof=etcd memory"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`

	DialTimeout    time.Duration `yaml:"dial_timeout" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
}

// Endpoints returns the etcd endpoints. Host may hold a comma separated
// list, each entry with or without a port.
func (s StoreConfig) Endpoints() []string {
	var out []string
	for _, h := range strings.Split(s.Host, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(h); err != nil {
			h = net.JoinHostPort(h, strconv.Itoa(s.Port))
		}
		out = append(out, h)
	}
	return out
}

// DatabaseConfig configures the request audit database.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`

	// Retention is how long terminal requests are kept.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// AllocationConfig tunes reservation attempts.
type AllocationConfig struct {
	// WaitTimeout is the wait budget of requests that set none.
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"gt=0"`

	// LeaseTTL is the reservation lifetime of requests that set none.
	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"gt=0"`

	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gt=0"`
	Jitter         float64       `yaml:"jitter" validate:"gte=0,lt=1"`

	// RetryBudget is the number of consecutive catalog or store outages
	// tolerated before a request fails.
	RetryBudget int `yaml:"retry_budget" validate:"gte=1"`
}

// DispatchConfig configures the worker pool.
type DispatchConfig struct {
	Workers         int    `yaml:"workers" validate:"gte=1,lte=1024"`
	QueueSize       int    `yaml:"queue_size" validate:"gte=1"`
	MaxRedeliveries int    `yaml:"max_redeliveries" validate:"gte=0"`
	LogLevel        string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
}

// SweeperConfig configures the expiry sweep.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// ElectionTTL is the etcd session TTL in seconds of the sweeper leader.
	ElectionTTL int `yaml:"election_ttl" validate:"gte=0"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Dir holds custom .rego and .json policies.
	Dir string `yaml:"dir"`

	// Watch reloads Dir when a policy file changes.
	Watch bool `yaml:"watch"`

	Limits policy.Limits `yaml:"limits"`
}

// SecurityConfig holds secrets.
type SecurityConfig struct {
	// EncryptionKey is the lease token signing secret. When empty a random
	// key is generated and tokens do not survive a restart.
	EncryptionKey string `yaml:"encryption_key"`
}

// TelemetryConfig is the subset of telemetry settings exposed to operators.
type TelemetryConfig struct {
	LogLevel        string  `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string  `yaml:"log_format" validate:"oneof=console json"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Catalog: CatalogConfig{
			Timeout:  10 * time.Second,
			PageSize: 100,
			CacheTTL: 2 * time.Second,
			StaleTTL: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend:        BackendMemory,
			Port:           2379,
			Prefix:         "/envalloc",
			DialTimeout:    5 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "envalloc.db",
			Retention: 24 * time.Hour,
		},
		Allocation: AllocationConfig{
			WaitTimeout:    30 * time.Second,
			LeaseTTL:       30 * time.Minute,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Jitter:         0.5,
			RetryBudget:    5,
		},
		Dispatch: DispatchConfig{
			Workers:         10,
			QueueSize:       256,
			MaxRedeliveries: 3,
		},
		Sweeper: SweeperConfig{
			Interval:    5 * time.Second,
			ElectionTTL: 10,
		},
		Policy: PolicyConfig{
			Limits: policy.DefaultLimits(),
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			TracingExporter: "none",
			SamplingRate:    1.0,
		},
	}
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str(envGraphQLURL, &cfg.Catalog.GraphQLURL)
	str(envCatalogFile, &cfg.Catalog.File)
	str(envBaseURL, &cfg.Server.BaseURL)
	str(envListenAddress, &cfg.Server.ListenAddress)
	str(envStoreBackend, &cfg.Store.Backend)
	str(envStoreHost, &cfg.Store.Host)
	str(envStoreUsername, &cfg.Store.Username)
	str(envStorePassword, &cfg.Store.Password)
	str(envEncryptionKey, &cfg.Security.EncryptionKey)
	str(envWorkerLogLevel, &cfg.Dispatch.LogLevel)
	str(envDatabasePath, &cfg.Database.Path)
	str(envPolicyDir, &cfg.Policy.Dir)
	str(envLogLevel, &cfg.Telemetry.LogLevel)
	str(envLogFormat, &cfg.Telemetry.LogFormat)
	if v, ok := lookup(envTracingEndpoint); ok && v != "" {
		cfg.Telemetry.TracingEndpoint = v
		cfg.Telemetry.TracingExporter = "otlp"
	}

	if err := integer(envStorePort, &cfg.Store.Port); err != nil {
		return err
	}
	if err := integer(envWorkers, &cfg.Dispatch.Workers); err != nil {
		return err
	}

	var waitSeconds int
	if err := integer(envWaitTimeout, &waitSeconds); err != nil {
		return err
	}
	if waitSeconds != 0 {
		cfg.Allocation.WaitTimeout = time.Duration(waitSeconds) * time.Second
	}

	// A store host without an explicit backend means etcd.
	if _, set := lookup(envStoreBackend); !set && cfg.Store.Host != "" {
		cfg.Store.Backend = BackendEtcd
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Catalog.GraphQLURL == "" && c.Catalog.File == "" {
		return fmt.Errorf("invalid configuration: one of %s or %s is required", envGraphQLURL, envCatalogFile)
	}
	if c.Store.Backend == BackendEtcd && len(c.Store.Endpoints()) == 0 {
		return fmt.Errorf("invalid configuration: %s is required for the etcd backend", envStoreHost)
	}
	if c.Store.Backend == BackendEtcd && c.Store.Port == 0 {
		return fmt.Errorf("invalid configuration: %s is required for the etcd backend", envStorePort)
	}
	if c.Security.EncryptionKey != "" && len(c.Security.EncryptionKey) < 16 {
		return fmt.Errorf("invalid configuration: %s must be at least 16 characters", envEncryptionKey)
	}
	if c.Allocation.MaxBackoff < c.Allocation.InitialBackoff {
		return fmt.Errorf("invalid configuration: max_backoff %s is below initial_backoff %s",
			c.Allocation.MaxBackoff, c.Allocation.InitialBackoff)
	}
	if c.Telemetry.TracingExporter == "otlp" && c.Telemetry.TracingEndpoint == "" {
		return fmt.Errorf("invalid configuration: the otlp exporter needs %s", envTracingEndpoint)
	}
	return nil
}

// WorkerLogLevel returns the dispatcher log level, falling back to the
// process level.
func (c *Config) WorkerLogLevel() string {
	if c.Dispatch.LogLevel != "" {
		return c.Dispatch.LogLevel
	}
	return c.Telemetry.LogLevel
}

// TelemetryConfig builds the telemetry configuration for this process.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Tracing.Enabled = c.Telemetry.TracingExporter != "none"
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	if c.Telemetry.LogFormat == "json" {
		tc.Environment = "production"
	}
	return tc
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	out := *c
	if out.Store.Password != "" {
		out.Store.Password = "***"
	}
	if out.Security.EncryptionKey != "" {
		out.Security.EncryptionKey = "***"
	}
	return out
}
