package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Each sub-config should be non-zero
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, SecurityConfig{}, cfg.Security)
	assert.NotEqual(t, SandboxConfig{}, cfg.Sandbox)
	assert.NotEqual(t, PoolConfig{}, cfg.Pool)
	assert.NotEqual(t, ExecutionConfig{}, cfg.Execution)
	assert.NotEqual(t, OrchestratorConfig{}, cfg.Orchestrator)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
}

func TestDefaultConfig_PassesValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, 10, cfg.MaxInstances)
	assert.Equal(t, 2, cfg.TargetIdle)
	assert.Equal(t, 5*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, 64, cfg.MaxUses)
	assert.Equal(t, time.Hour, cfg.MaxLifetime)
	assert.Equal(t, 30*time.Second, cfg.MaintenanceInterval)
}

func TestDefaultExecutionConfig(t *testing.T) {
	cfg := DefaultExecutionConfig()
	assert.Equal(t, 60*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.DefaultMaxCPU)
	assert.Equal(t, int64(512), cfg.DefaultMaxMemoryMB)
	assert.Equal(t, int64(1024), cfg.DefaultMaxOutputKB)
	assert.Equal(t, 2, cfg.AcquireRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.MonitorInterval)
}

func TestDefaultOrchestratorConfig(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	assert.Equal(t, 10, cfg.MaxAgents)
	assert.Equal(t, 128, cfg.QueueCapacity)
	assert.Equal(t, 4, cfg.DispatchWorkers)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryInitialDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.DegradedThreshold)
	assert.Equal(t, 6, cfg.UnavailableThreshold)
	assert.Greater(t, cfg.UnavailableThreshold, cfg.DegradedThreshold)
}

func TestDefaultSandboxConfig(t *testing.T) {
	cfg := DefaultSandboxConfig()
	assert.Equal(t, "process", cfg.Backend)
	assert.False(t, cfg.AllowNetwork)
	assert.ElementsMatch(t, []string{"python", "javascript", "bash"}, cfg.AllowedLanguages)
	assert.NotEmpty(t, cfg.Image)
}

func TestDefaultSecurityConfig(t *testing.T) {
	cfg := DefaultSecurityConfig()
	assert.Equal(t, int64(256<<10), cfg.MaxSourceBytes)
	assert.Empty(t, cfg.CustomDenyPatterns)
}
