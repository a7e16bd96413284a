package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

func requireDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "version").Run(); err != nil {
		t.Skip("docker not available")
	}
}

func TestDockerBackend_BuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 1.5
	b := NewDockerBackend(cfg, zap.NewNop())

	run := &dockerRun{name: "ducky-abc-1", dir: "/tmp/sbx/run-1"}
	spec := dockerCommands[types.LanguagePython]
	budget := types.Budget{
		MaxCPU:         30 * time.Second,
		MaxMemoryBytes: 512 << 20,
		Timeout:        time.Minute,
		MaxOutputBytes: 1 << 20,
	}

	args := b.buildArgs(run, spec, budget)

	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	assert.Contains(t, joined, "run --rm")
	assert.Contains(t, joined, "--name ducky-abc-1")
	assert.Contains(t, joined, "--cap-drop ALL")
	assert.Contains(t, joined, "--security-opt no-new-privileges")
	assert.Contains(t, joined, "--pids-limit 256")
	assert.Contains(t, joined, "--read-only")
	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--memory 536870912")
	assert.Contains(t, joined, "--cpus 1.5")
	assert.Contains(t, joined, "--ulimit cpu=30")
	assert.Contains(t, joined, "-v /tmp/sbx/run-1:/workspace:ro")
	assert.Contains(t, joined, "python:3.12-slim python3 main.py")
}

func TestDockerBackend_BuildArgs_NetworkGrant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowNetwork = true
	b := NewDockerBackend(cfg, zap.NewNop())

	args := b.buildArgs(&dockerRun{name: "n", dir: "/d"}, dockerCommands[types.LanguageBash], types.Budget{})

	found := false
	for i, a := range args {
		if a == "--network" && i+1 < len(args) && args[i+1] == "bridge" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDockerBackend_ImageOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Image = "internal-registry/python:hardened"
	b := NewDockerBackend(cfg, zap.NewNop())

	spec, err := b.imageFor(types.LanguagePython)
	require.NoError(t, err)
	assert.Equal(t, "internal-registry/python:hardened", spec.image)
}

func TestDockerBackend_UnsupportedLanguage(t *testing.T) {
	b := NewDockerBackend(DefaultConfig(), zap.NewNop())

	_, err := b.imageFor(types.Language("cobol"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestDockerBackend_UnknownHandle(t *testing.T) {
	b := NewDockerBackend(DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := b.Wait(ctx, Handle("nope"), time.Time{})
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, b.Destroy(ctx, Handle("nope")), ErrUnknownHandle)
}

func TestDockerBackend_EndToEnd(t *testing.T) {
	requireDocker(t)
	if testing.Short() {
		t.Skip("skipping container run in short mode")
	}

	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.Languages = []types.Language{types.LanguageBash}
	b := NewDockerBackend(cfg, zap.NewNop())
	ctx := context.Background()

	h, err := b.Create(ctx, Limits{})
	require.NoError(t, err)
	defer b.Destroy(ctx, h)

	payload := types.Payload{
		Source:   "echo from-container",
		Language: types.LanguageBash,
		Budget: types.Budget{
			MaxMemoryBytes: 64 << 20,
			Timeout:        time.Minute,
			MaxOutputBytes: 1 << 20,
		},
	}
	require.NoError(t, b.Submit(ctx, h, payload))

	out, err := b.Wait(ctx, h, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "from-container\n", out.Stdout)
	assert.False(t, out.TimedOut)
}
