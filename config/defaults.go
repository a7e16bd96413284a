// Default values for every configuration section.
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Security:     DefaultSecurityConfig(),
		Sandbox:      DefaultSandboxConfig(),
		Pool:         DefaultPoolConfig(),
		Execution:    DefaultExecutionConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Database:     DefaultDatabaseConfig(),
		Redis:        DefaultRedisConfig(),
	}
}

// DefaultServerConfig returns the default operational server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "duckycore",
		SampleRate:   0.1,
	}
}

// DefaultSecurityConfig returns the default validator settings.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxSourceBytes:     256 << 10,
		CustomDenyPatterns: nil,
	}
}

// DefaultSandboxConfig returns the default isolation backend settings.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Backend:          "process",
		WorkDir:          "",
		Image:            "python:3.12-slim",
		AllowNetwork:     false,
		AllowedLanguages: []string{"python", "javascript", "bash"},
	}
}

// DefaultPoolConfig returns the default warm pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxInstances:        10,
		TargetIdle:          2,
		AcquireTimeout:      5 * time.Second,
		MaxUses:             64,
		MaxLifetime:         time.Hour,
		MaintenanceInterval: 30 * time.Second,
	}
}

// DefaultExecutionConfig returns the default budget and engine settings.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		DefaultTimeout:     60 * time.Second,
		DefaultMaxCPU:      30 * time.Second,
		DefaultMaxMemoryMB: 512,
		DefaultMaxOutputKB: 1024,
		AcquireRetries:     2,
		MonitorInterval:    100 * time.Millisecond,
	}
}

// DefaultOrchestratorConfig returns the default routing settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxAgents:            10,
		QueueCapacity:        128,
		DispatchWorkers:      4,
		MaxRetries:           3,
		RetryInitialDelay:    time.Second,
		RetryMaxDelay:        30 * time.Second,
		SubmitRatePerSec:     0,
		SubmitBurst:          1,
		HealthCheckInterval:  30 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		DegradedThreshold:    3,
		UnavailableThreshold: 6,
		ResultTTL:            30 * time.Minute,
	}
}

// DefaultDatabaseConfig returns the default audit store settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:         false,
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "ducky",
		Password:        "",
		Name:            "ducky.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns the default result cache settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DefaultTTL:   30 * time.Minute,
	}
}
