// Package ducky wires the orchestration core together: security validator,
// sandbox backend, warm pool, execution engine, agents and orchestrator, plus
// the optional audit store and result cache. It is the entry point for both
// cmd/duckycore and embedders.
//
// Usage:
//
//	core, err := ducky.New(cfg, logger)
//	if err != nil { ... }
//	if err := core.Start(); err != nil { ... }
//	defer core.Close(ctx)
//
//	h, err := core.Submit(ctx, types.CapCodeExecution, payload, types.PriorityNormal)
//	res, err := h.Result(ctx)
package ducky

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vorrawut/DebuggyDuckyMCP/agent"
	"github.com/vorrawut/DebuggyDuckyMCP/config"
	"github.com/vorrawut/DebuggyDuckyMCP/engine"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/cache"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/database"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/metrics"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/telemetry"
	"github.com/vorrawut/DebuggyDuckyMCP/orchestrator"
	"github.com/vorrawut/DebuggyDuckyMCP/pool"
	"github.com/vorrawut/DebuggyDuckyMCP/sandbox"
	"github.com/vorrawut/DebuggyDuckyMCP/security"
	"github.com/vorrawut/DebuggyDuckyMCP/store"
	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// metricsNamespace prefixes every Prometheus metric.
const metricsNamespace = "ducky"

// traceBuffer sizes the async trace dispatcher.
const traceBuffer = 256

// Core is the assembled orchestration system. Build one with New, register
// agents, Start it, and submit tasks. One Core per process: the metrics
// collector registers on the global Prometheus registry.
type Core struct {
	cfg        *config.Config
	logger     *zap.Logger
	collector  *metrics.Collector
	telemetry  *telemetry.Providers
	validator  *security.Validator
	backend    sandbox.Backend
	pool       *pool.Manager
	engine     *engine.Engine
	dispatcher *trace.Dispatcher
	orch       *orchestrator.Orchestrator

	store *store.Store
	cache *cache.Manager
}

// New assembles a Core from configuration. The audit store and result cache
// are wired only when their config sections are enabled. Nothing runs until
// Start.
func New(cfg *config.Config, logger *zap.Logger) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	c := &Core{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(metricsNamespace, logger),
		telemetry: providers,
	}

	c.validator = security.New(security.Config{
		MaxSourceBytes:     cfg.Security.MaxSourceBytes,
		CustomDenyPatterns: cfg.Security.CustomDenyPatterns,
	}, logger)

	c.backend, err = sandbox.New(cfg.Sandbox.Backend, sandbox.Config{
		WorkDir:         cfg.Sandbox.WorkDir,
		Image:           cfg.Sandbox.Image,
		Languages:       languages(cfg.Sandbox.AllowedLanguages),
		AllowNetwork:    cfg.Sandbox.AllowNetwork,
		MonitorInterval: cfg.Execution.MonitorInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create sandbox backend: %w", err)
	}

	c.pool = pool.New(pool.Config{
		MaxInstances:        cfg.Pool.MaxInstances,
		TargetIdle:          cfg.Pool.TargetIdle,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		MaxUses:             cfg.Pool.MaxUses,
		MaxLifetime:         cfg.Pool.MaxLifetime,
		MaintenanceInterval: cfg.Pool.MaintenanceInterval,
		OnStats: func(s pool.Stats) {
			c.collector.SetPoolGauges(s.Live, s.Idle, s.Leased, s.Waiting)
		},
	}, c.backend, logger)

	sinks := trace.MultiSink{trace.NewLogSink(logger), trace.SpanSink{}}

	if cfg.Database.Enabled {
		st, err := c.openStore()
		if err != nil {
			return nil, err
		}
		c.store = st
		sinks = append(sinks, st.Sink())
	}

	c.dispatcher = trace.NewDispatcher(sinks, traceBuffer, logger)

	budget := types.Budget{
		MaxCPU:         cfg.Execution.DefaultMaxCPU,
		MaxMemoryBytes: cfg.Execution.DefaultMaxMemoryMB << 20,
		Timeout:        cfg.Execution.DefaultTimeout,
		MaxOutputBytes: cfg.Execution.DefaultMaxOutputKB << 10,
	}

	c.engine = engine.New(engine.Config{
		DefaultBudget:  budget,
		AcquireRetries: cfg.Execution.AcquireRetries,
	}, c.validator, c.pool, c.dispatcher, c.collector, logger)

	registry := orchestrator.NewRegistry(cfg.Orchestrator.MaxAgents, logger)
	c.orch = orchestrator.New(orchestrator.Config{
		MaxAgents:           cfg.Orchestrator.MaxAgents,
		QueueCapacity:       cfg.Orchestrator.QueueCapacity,
		DispatchWorkers:     cfg.Orchestrator.DispatchWorkers,
		MaxRetries:          cfg.Orchestrator.MaxRetries,
		RetryInitialDelay:   cfg.Orchestrator.RetryInitialDelay,
		RetryMaxDelay:       cfg.Orchestrator.RetryMaxDelay,
		SubmitRatePerSec:    cfg.Orchestrator.SubmitRatePerSec,
		SubmitBurst:         cfg.Orchestrator.SubmitBurst,
		HealthCheckInterval: cfg.Orchestrator.HealthCheckInterval,
		DefaultBudget:       budget,
		ResultTTL:           cfg.Orchestrator.ResultTTL,
	}, registry, c.validator, c.dispatcher, c.collector, logger)

	if c.store != nil {
		c.orch.WithArchiver(c.store)
	}

	if cfg.Redis.Enabled {
		cm, err := cache.NewManager(cache.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DefaultTTL:   cfg.Redis.DefaultTTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect result cache: %w", err)
		}
		c.cache = cm
		c.orch.WithResultCache(cm)
	}

	return c, nil
}

func (c *Core) openStore() (*store.Store, error) {
	db, err := gorm.Open(dialector(c.cfg.Database), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	pm, err := database.NewPoolManager(db, database.PoolConfig{
		MaxOpenConns:    c.cfg.Database.MaxOpenConns,
		MaxIdleConns:    c.cfg.Database.MaxIdleConns,
		ConnMaxLifetime: c.cfg.Database.ConnMaxLifetime,
	}, c.collector, c.logger)
	if err != nil {
		return nil, fmt.Errorf("configure audit pool: %w", err)
	}

	return store.New(pm, c.collector, c.logger)
}

func dialector(cfg config.DatabaseConfig) gorm.Dialector {
	switch cfg.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		return gormmysql.Open(dsn)
	case "sqlite", "sqlite3":
		return sqlite.Open(cfg.Name)
	default:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
		return gormpostgres.Open(dsn)
	}
}

func languages(names []string) []types.Language {
	out := make([]types.Language, 0, len(names))
	for _, n := range names {
		out = append(out, types.Language(n))
	}
	return out
}

// RegisterDefaultAgents adds one sandbox-backed execution agent and one
// static-analysis agent, the minimum set that serves every built-in
// execution and analysis capability.
func (c *Core) RegisterDefaultAgents() error {
	execAgent, err := agent.New(agent.Config{
		Name:             "exec-1",
		DegradedAfter:    c.cfg.Orchestrator.DegradedThreshold,
		UnavailableAfter: c.cfg.Orchestrator.UnavailableThreshold,
	}, agent.NewExecHandler(c.engine), c.logger)
	if err != nil {
		return err
	}
	if err := c.orch.Registry().Register(execAgent); err != nil {
		return err
	}

	analysisAgent, err := agent.New(agent.Config{
		Name:             "analyst-1",
		DegradedAfter:    c.cfg.Orchestrator.DegradedThreshold,
		UnavailableAfter: c.cfg.Orchestrator.UnavailableThreshold,
	}, agent.NewAnalysisHandler(c.validator), c.logger)
	if err != nil {
		return err
	}
	return c.orch.Registry().Register(analysisAgent)
}

// RegisterAgent adds a caller-built agent to the routing registry.
func (c *Core) RegisterAgent(a *agent.Agent) error {
	return c.orch.Registry().Register(a)
}

// Start launches the dispatch workers and the health prober.
func (c *Core) Start() error {
	return c.orch.Start()
}

// Submit routes a payload to a capable agent. See Orchestrator.Submit.
func (c *Core) Submit(ctx context.Context, capability types.Capability, payload types.Payload, priority types.Priority) (*orchestrator.Handle, error) {
	return c.orch.Submit(ctx, capability, payload, priority)
}

// Result blocks for the terminal result of a task. Falls back to the result
// cache and audit store for tasks this process no longer holds.
func (c *Core) Result(ctx context.Context, taskID string) (types.ExecutionResult, error) {
	return c.orch.Result(ctx, taskID)
}

// Poll returns the terminal result without blocking.
func (c *Core) Poll(ctx context.Context, taskID string) (types.ExecutionResult, error) {
	return c.orch.Poll(ctx, taskID)
}

// Cancel stops a queued or running task.
func (c *Core) Cancel(ctx context.Context, taskID string) error {
	return c.orch.Cancel(ctx, taskID)
}

// Orchestrator exposes the underlying orchestrator for advanced callers.
func (c *Core) Orchestrator() *orchestrator.Orchestrator { return c.orch }

// Store returns the audit store, nil when the database is disabled.
func (c *Core) Store() *store.Store { return c.store }

// ReadinessChecks returns named probes for the /readyz endpoint, one per
// wired dependency.
func (c *Core) ReadinessChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"pool": func(ctx context.Context) error {
			if c.pool.Stats().Live < 0 {
				return fmt.Errorf("pool unavailable")
			}
			return nil
		},
	}
	if c.store != nil {
		checks["store"] = func(ctx context.Context) error { return c.store.Ping(ctx) }
	}
	if c.cache != nil {
		checks["cache"] = func(ctx context.Context) error { return c.cache.Ping(ctx) }
	}
	return checks
}

// Close shuts the system down in dependency order: orchestrator first so no
// new work reaches the engine, then the pool, trace dispatcher, and the
// stores and exporters.
func (c *Core) Close(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(c.orch.Close(ctx))
	record(c.pool.Close(ctx))
	record(c.dispatcher.Close(ctx))
	if c.cache != nil {
		record(c.cache.Close())
	}
	if c.store != nil {
		record(c.store.Close())
	}
	record(c.telemetry.Shutdown(ctx))
	return firstErr
}
