package ducky

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/config"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// One Core per test binary: the metrics collector registers on the global
// Prometheus registry, so everything runs through a single assembled system.
func TestCoreEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pool.TargetIdle = 0
	cfg.Pool.MaxInstances = 2
	cfg.Database.Enabled = true
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "audit.db")
	cfg.Database.MaxOpenConns = 1
	cfg.Database.MaxIdleConns = 1

	core, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NotNil(t, core.Store())
	require.NoError(t, core.Store().AutoMigrate(ctx))

	require.NoError(t, core.RegisterDefaultAgents())
	require.NoError(t, core.Start())
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, core.Close(closeCtx))
	})

	t.Run("analysis task flows end to end", func(t *testing.T) {
		h, err := core.Submit(ctx, types.CapCodeAnalysis, types.Payload{
			Source:   "import os\nos.system('rm -rf /')\n",
			Language: types.LanguagePython,
		}, types.PriorityNormal)
		require.NoError(t, err)

		res, err := h.Result(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSuccess, res.Status)
		assert.NotEmpty(t, res.Findings)

		got, err := core.Poll(ctx, h.ID())
		require.NoError(t, err)
		assert.Equal(t, res.Status, got.Status)
	})

	t.Run("blocked payload resolves without dispatch", func(t *testing.T) {
		h, err := core.Submit(ctx, types.CapCodeExecution, types.Payload{
			Source:   "eval(input())",
			Language: types.LanguagePython,
		}, types.PriorityNormal)
		require.NoError(t, err)

		res, err := h.Result(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.StatusBlocked, res.Status)
	})

	t.Run("results reach the audit store", func(t *testing.T) {
		h, err := core.Submit(ctx, types.CapCodeAnalysis, types.Payload{
			Source:   "print('hello')",
			Language: types.LanguagePython,
		}, types.PriorityNormal)
		require.NoError(t, err)

		_, err = h.Result(ctx)
		require.NoError(t, err)

		// Archival is asynchronous.
		assert.Eventually(t, func() bool {
			_, ok, err := core.Store().LoadResult(ctx, h.ID())
			return err == nil && ok
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("readiness checks cover wired dependencies", func(t *testing.T) {
		checks := core.ReadinessChecks()
		require.Contains(t, checks, "pool")
		require.Contains(t, checks, "store")
		assert.NotContains(t, checks, "cache")
		for name, check := range checks {
			assert.NoError(t, check(ctx), name)
		}
	})

	t.Run("cancel unknown task", func(t *testing.T) {
		err := core.Cancel(ctx, "no-such-task")
		assert.Equal(t, types.ErrTaskNotFound, types.GetErrorCode(err))
	})
}
