// Unified configuration loading: YAML file plus environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("MCP").
//	    Load()
//
// Precedence: defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of the execution core.
type Config struct {
	// Server configures the operational HTTP endpoints.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OTLP trace and metric export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Security configures pre-execution source inspection.
	Security SecurityConfig `yaml:"security" env:"SECURITY"`

	// Sandbox configures the isolation backend.
	Sandbox SandboxConfig `yaml:"sandbox" env:"SANDBOX"`

	// Pool configures the warm sandbox pool.
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Execution configures per-task defaults and engine behavior.
	Execution ExecutionConfig `yaml:"execution" env:"EXECUTION"`

	// Orchestrator configures routing, queueing, retries and health checks.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Database configures the audit store.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis configures the result cache.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// ServerConfig holds the operational HTTP server settings. The core exposes
// only health and metrics endpoints; the product API lives elsewhere.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink URLs or file paths.
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig holds OTLP export settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// SecurityConfig holds validator settings. Pattern tables are compiled once
// at startup; inspection itself is stateless.
type SecurityConfig struct {
	// MaxSourceBytes is the decode ceiling; larger payloads are unparseable.
	MaxSourceBytes int64 `yaml:"max_source_bytes" env:"MAX_SOURCE_BYTES"`
	// CustomDenyPatterns are extra regexps applied to every language and
	// reported as block-severity denylisted calls.
	CustomDenyPatterns []string `yaml:"custom_deny_patterns" env:"CUSTOM_DENY_PATTERNS"`
}

// SandboxConfig holds isolation backend settings.
type SandboxConfig struct {
	// Backend: process, docker
	Backend string `yaml:"backend" env:"BACKEND"`
	// WorkDir is the root under which per-instance directories are created.
	WorkDir string `yaml:"work_dir" env:"WORK_DIR"`
	// Image is the container image used by the docker backend.
	Image string `yaml:"image" env:"IMAGE"`
	// AllowNetwork grants sandboxed payloads outbound network access.
	AllowNetwork bool `yaml:"allow_network" env:"ALLOW_NETWORK"`
	// AllowedLanguages limits which payload languages the backend accepts.
	AllowedLanguages []string `yaml:"allowed_languages" env:"ALLOWED_LANGUAGES"`
}

// PoolConfig holds warm pool sizing and recycling settings.
type PoolConfig struct {
	MaxInstances        int           `yaml:"max_instances" env:"MAX_INSTANCES"`
	TargetIdle          int           `yaml:"target_idle" env:"TARGET_IDLE"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	MaxUses             int           `yaml:"max_uses" env:"MAX_USES"`
	MaxLifetime         time.Duration `yaml:"max_lifetime" env:"MAX_LIFETIME"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" env:"MAINTENANCE_INTERVAL"`
}

// ExecutionConfig holds per-task budget defaults and engine knobs.
type ExecutionConfig struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	DefaultMaxCPU      time.Duration `yaml:"default_max_cpu" env:"DEFAULT_MAX_CPU"`
	DefaultMaxMemoryMB int64         `yaml:"default_max_memory_mb" env:"DEFAULT_MAX_MEMORY_MB"`
	DefaultMaxOutputKB int64         `yaml:"default_max_output_kb" env:"DEFAULT_MAX_OUTPUT_KB"`
	// AcquireRetries bounds the engine's internal pool-acquisition retries.
	AcquireRetries int `yaml:"acquire_retries" env:"ACQUIRE_RETRIES"`
	// MonitorInterval is the resource sampling tick while a payload runs.
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
}

// OrchestratorConfig holds routing, queueing, retry and health settings.
type OrchestratorConfig struct {
	MaxAgents       int `yaml:"max_agents" env:"MAX_AGENTS"`
	QueueCapacity   int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	DispatchWorkers int `yaml:"dispatch_workers" env:"DISPATCH_WORKERS"`

	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`

	// SubmitRatePerSec throttles Submit; zero disables throttling.
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec" env:"SUBMIT_RATE_PER_SEC"`
	SubmitBurst      int     `yaml:"submit_burst" env:"SUBMIT_BURST"`

	HealthCheckInterval  time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	DegradedThreshold    int           `yaml:"degraded_threshold" env:"DEGRADED_THRESHOLD"`
	UnavailableThreshold int           `yaml:"unavailable_threshold" env:"UNAVAILABLE_THRESHOLD"`

	// ResultTTL is how long completed results stay in the result cache.
	ResultTTL time.Duration `yaml:"result_ttl" env:"RESULT_TTL"`
}

// DatabaseConfig holds audit store settings.
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Driver: postgres, mysql, sqlite
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig holds result cache settings.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DefaultTTL   time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MCP",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves configuration: defaults, then YAML file, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile reads the YAML file into cfg. A missing file keeps defaults.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively, keyed by env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue coerces an environment string into the field's type.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration wants "5s" style values.
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	if c.Security.MaxSourceBytes <= 0 {
		errs = append(errs, "security max_source_bytes must be positive")
	}

	if c.Pool.MaxInstances <= 0 {
		errs = append(errs, "pool max_instances must be positive")
	}
	if c.Pool.TargetIdle < 0 || c.Pool.TargetIdle > c.Pool.MaxInstances {
		errs = append(errs, "pool target_idle must be within [0, max_instances]")
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, "pool acquire_timeout must be positive")
	}

	if c.Execution.DefaultTimeout <= 0 {
		errs = append(errs, "execution default_timeout must be positive")
	}
	if c.Execution.DefaultMaxMemoryMB <= 0 {
		errs = append(errs, "execution default_max_memory_mb must be positive")
	}
	if c.Execution.MonitorInterval <= 0 {
		errs = append(errs, "execution monitor_interval must be positive")
	}

	if c.Orchestrator.MaxAgents <= 0 {
		errs = append(errs, "orchestrator max_agents must be positive")
	}
	if c.Orchestrator.QueueCapacity <= 0 {
		errs = append(errs, "orchestrator queue_capacity must be positive")
	}
	if c.Orchestrator.DispatchWorkers <= 0 {
		errs = append(errs, "orchestrator dispatch_workers must be positive")
	}
	if c.Orchestrator.DegradedThreshold <= 0 {
		errs = append(errs, "orchestrator degraded_threshold must be positive")
	}
	if c.Orchestrator.UnavailableThreshold <= c.Orchestrator.DegradedThreshold {
		errs = append(errs, "orchestrator unavailable_threshold must exceed degraded_threshold")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
