package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	ducky "github.com/vorrawut/DebuggyDuckyMCP"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/server"
)

// closeTimeout bounds the full shutdown sequence after the ops server has
// drained.
const closeTimeout = 30 * time.Second

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting duckycore",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	core, err := ducky.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble core", zap.Error(err))
	}

	if err := core.RegisterDefaultAgents(); err != nil {
		logger.Fatal("failed to register agents", zap.Error(err))
	}
	if err := core.Start(); err != nil {
		logger.Fatal("failed to start core", zap.Error(err))
	}

	checks := make(map[string]server.Check)
	for name, check := range core.ReadinessChecks() {
		checks[name] = check
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	ops := server.NewManager(server.NewMux(checks, logger), srvCfg, logger)
	if err := ops.Start(); err != nil {
		logger.Fatal("failed to start ops server", zap.Error(err))
	}

	ops.WaitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := core.Close(ctx); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
	}

	logger.Info("duckycore stopped")
}
