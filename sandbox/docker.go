package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// dockerSpec maps a language onto its image, source file name, and
// in-container argv. Compiled languages build into the tmpfs.
type dockerSpec struct {
	image string
	file  string
	argv  []string
}

var dockerCommands = map[types.Language]dockerSpec{
	types.LanguagePython:     {image: "python:3.12-slim", file: "main.py", argv: []string{"python3", "main.py"}},
	types.LanguageJavaScript: {image: "node:20-slim", file: "main.js", argv: []string{"node", "main.js"}},
	types.LanguageBash:       {image: "alpine:latest", file: "main.sh", argv: []string{"sh", "main.sh"}},
	types.LanguageGo:         {image: "golang:1.24-alpine", file: "main.go", argv: []string{"sh", "-c", "GOCACHE=/tmp/gocache go run main.go"}},
	types.LanguageRust:       {image: "rust:1-slim", file: "main.rs", argv: []string{"sh", "-c", "rustc main.rs -o /tmp/main && /tmp/main"}},
}

// DockerBackend runs payloads in throwaway containers driven through the
// docker CLI. Containers get a read-only root, no capabilities, a pids
// ceiling, and no network unless granted. The workspace is mounted
// read-only; anything the payload writes lands on the container tmpfs and
// dies with it.
type DockerBackend struct {
	cfg    Config
	logger *zap.Logger

	checkOnce sync.Once
	checkErr  error

	pullMu sync.Mutex
	pulled map[string]bool

	mu    sync.Mutex
	slots map[Handle]*dockerSlot
}

type dockerSlot struct {
	dir    string
	limits Limits

	mu  sync.Mutex
	seq int
	run *dockerRun
}

type dockerRun struct {
	name      string
	cmd       *exec.Cmd
	stdout    *cappedBuffer
	stderr    *cappedBuffer
	dir       string
	startedAt time.Time

	done    chan struct{}
	waitErr error

	mu         sync.Mutex
	released   bool
	timedOut   bool
	finishedAt time.Time
}

// NewDockerBackend creates a container backend driving the docker CLI.
func NewDockerBackend(cfg Config, logger *zap.Logger) *DockerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerBackend{
		cfg:    cfg,
		logger: logger,
		pulled: make(map[string]bool),
		slots:  make(map[Handle]*dockerSlot),
	}
}

// Name identifies the backend.
func (b *DockerBackend) Name() string { return "docker" }

// ensureDocker verifies once that a docker daemon answers.
func (b *DockerBackend) ensureDocker(ctx context.Context) error {
	b.checkOnce.Do(func() {
		cmd := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
		if out, err := cmd.CombinedOutput(); err != nil {
			b.checkErr = fmt.Errorf("docker unavailable: %w: %s", err, strings.TrimSpace(string(out)))
		}
	})
	return b.checkErr
}

func (b *DockerBackend) imageFor(lang types.Language) (dockerSpec, error) {
	spec, ok := dockerCommands[lang]
	if !ok {
		return dockerSpec{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
	}
	if b.cfg.Image != "" {
		spec.image = b.cfg.Image
	}
	return spec, nil
}

// ensureImage pulls an image unless it is already present. Pull results are
// remembered so warm instances stay cheap.
func (b *DockerBackend) ensureImage(ctx context.Context, image string) error {
	b.pullMu.Lock()
	defer b.pullMu.Unlock()
	if b.pulled[image] {
		return nil
	}
	if exec.CommandContext(ctx, "docker", "image", "inspect", image).Run() == nil {
		b.pulled[image] = true
		return nil
	}
	b.logger.Info("pulling sandbox image", zap.String("image", image))
	if out, err := exec.CommandContext(ctx, "docker", "pull", image).CombinedOutput(); err != nil {
		return fmt.Errorf("pull %s: %w: %s", image, err, strings.TrimSpace(string(out)))
	}
	b.pulled[image] = true
	return nil
}

// Create verifies the daemon, pre-pulls the images of the configured
// languages, and provisions a workspace directory. Pulling up front is what
// makes a warmed instance fast to lease.
func (b *DockerBackend) Create(ctx context.Context, limits Limits) (Handle, error) {
	if err := b.ensureDocker(ctx); err != nil {
		return "", err
	}
	for _, lang := range b.cfg.Languages {
		spec, err := b.imageFor(lang)
		if err != nil {
			continue
		}
		if err := b.ensureImage(ctx, spec.image); err != nil {
			return "", err
		}
	}

	root := b.cfg.WorkDir
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("prepare sandbox root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "sbx-")
	if err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}

	h := Handle(uuid.NewString())
	b.mu.Lock()
	b.slots[h] = &dockerSlot{dir: dir, limits: limits}
	b.mu.Unlock()

	b.logger.Debug("sandbox slot created",
		zap.String("backend", "docker"),
		zap.String("handle", string(h)),
		zap.String("dir", dir))
	return h, nil
}

// Submit writes the payload into a fresh run directory and starts a
// container over it.
func (b *DockerBackend) Submit(ctx context.Context, h Handle, payload types.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slot, err := b.slot(h)
	if err != nil {
		return err
	}
	spec, err := b.imageFor(payload.Language)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.run != nil {
		return ErrRunActive
	}

	budget := clampBudget(payload.Budget, slot.limits)

	slot.seq++
	runDir := filepath.Join(slot.dir, fmt.Sprintf("run-%d", slot.seq))
	if err := os.Mkdir(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, spec.file), []byte(payload.Source), 0o644); err != nil {
		os.RemoveAll(runDir)
		return fmt.Errorf("write payload: %w", err)
	}

	name := fmt.Sprintf("ducky-%s-%d", string(h)[:8], slot.seq)
	run := &dockerRun{
		name:   name,
		stdout: newCappedBuffer(budget.MaxOutputBytes),
		stderr: newCappedBuffer(budget.MaxOutputBytes),
		dir:    runDir,
		done:   make(chan struct{}),
	}

	args := b.buildArgs(run, spec, budget)
	cmd := exec.Command("docker", args...)
	cmd.Stdout = run.stdout
	cmd.Stderr = run.stderr
	run.cmd = cmd

	if err := cmd.Start(); err != nil {
		run.stdout.release()
		run.stderr.release()
		os.RemoveAll(runDir)
		return fmt.Errorf("start container: %w", err)
	}
	run.startedAt = time.Now().UTC()
	slot.run = run

	go b.reap(run)
	go b.watchdog(run, budget.Timeout)

	b.logger.Debug("payload submitted",
		zap.String("backend", "docker"),
		zap.String("handle", string(h)),
		zap.String("container", name),
		zap.String("image", spec.image),
		zap.String("language", string(payload.Language)))
	return nil
}

// buildArgs assembles the docker run invocation. Resource limits are
// enforced by the kernel via cgroups and rlimits; wall clock stays on the
// host side.
func (b *DockerBackend) buildArgs(run *dockerRun, spec dockerSpec, budget types.Budget) []string {
	args := []string{
		"run", "--rm",
		"--name", run.name,
		"--workdir", "/workspace",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "256",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		"-v", run.dir + ":/workspace:ro",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
	}
	if b.cfg.AllowNetwork {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	if budget.MaxMemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(budget.MaxMemoryBytes, 10))
	}
	if b.cfg.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(b.cfg.CPUs, 'f', -1, 64))
	}
	if budget.MaxCPU > 0 {
		secs := int64(budget.MaxCPU / time.Second)
		if secs < 1 {
			secs = 1
		}
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d", secs))
	}
	args = append(args, spec.image)
	return append(args, spec.argv...)
}

func (b *DockerBackend) reap(run *dockerRun) {
	err := run.cmd.Wait()
	run.mu.Lock()
	run.waitErr = err
	run.finishedAt = time.Now().UTC()
	run.mu.Unlock()
	close(run.done)
}

// watchdog enforces the wall-clock budget host-side.
func (b *DockerBackend) watchdog(run *dockerRun, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-run.done:
	case <-timer.C:
		run.mu.Lock()
		run.timedOut = true
		run.mu.Unlock()
		b.kill(run)
	}
}

func (b *DockerBackend) kill(run *dockerRun) {
	_ = exec.Command("docker", "kill", run.name).Run()
}

// Wait blocks until the container exits or the deadline passes.
func (b *DockerBackend) Wait(ctx context.Context, h Handle, deadline time.Time) (*Outcome, error) {
	slot, err := b.slot(h)
	if err != nil {
		return nil, err
	}

	slot.mu.Lock()
	run := slot.run
	slot.mu.Unlock()
	if run == nil {
		return nil, ErrNoActiveRun
	}

	var expiry <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expiry = timer.C
	}

	select {
	case <-run.done:
	case <-expiry:
		run.mu.Lock()
		run.timedOut = true
		run.mu.Unlock()
		b.kill(run)
		<-run.done
	case <-ctx.Done():
		b.kill(run)
		<-run.done
		b.detach(slot, run)
		run.teardown()
		return nil, ctx.Err()
	}

	b.detach(slot, run)
	return run.outcome(), nil
}

// Terminate kills the active container without tearing down the slot.
func (b *DockerBackend) Terminate(ctx context.Context, h Handle) error {
	slot, err := b.slot(h)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	run := slot.run
	slot.mu.Unlock()
	if run == nil {
		return nil
	}
	b.kill(run)
	return nil
}

// Destroy kills any active container and removes the slot directory. The
// --rm flag removes the container itself.
func (b *DockerBackend) Destroy(ctx context.Context, h Handle) error {
	b.mu.Lock()
	slot, ok := b.slots[h]
	delete(b.slots, h)
	b.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	slot.mu.Lock()
	run := slot.run
	slot.run = nil
	slot.mu.Unlock()
	if run != nil {
		b.kill(run)
		<-run.done
		run.teardown()
	}

	if err := os.RemoveAll(slot.dir); err != nil {
		return fmt.Errorf("remove sandbox dir: %w", err)
	}
	b.logger.Debug("sandbox slot destroyed",
		zap.String("backend", "docker"),
		zap.String("handle", string(h)))
	return nil
}

func (b *DockerBackend) slot(h Handle) (*dockerSlot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return slot, nil
}

func (b *DockerBackend) detach(slot *dockerSlot, run *dockerRun) {
	slot.mu.Lock()
	if slot.run == run {
		slot.run = nil
	}
	slot.mu.Unlock()
}

// outcome folds the container exit into an Outcome. Exit statuses are the
// only resource signal the CLI surfaces: 137 is SIGKILL, which after our
// own kills are accounted for leaves the kernel OOM killer; 152 is SIGXCPU
// from the cpu rlimit.
func (run *dockerRun) outcome() *Outcome {
	run.mu.Lock()
	defer run.mu.Unlock()

	exit := 0
	if run.waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(run.waitErr, &exitErr) {
			exit = exitErr.ExitCode()
		} else {
			exit = -1
		}
	}

	out := &Outcome{
		ExitCode:       exit,
		WallTime:       run.finishedAt.Sub(run.startedAt),
		TimedOut:       run.timedOut,
		MemoryExceeded: exit == 137 && !run.timedOut,
		CPUExceeded:    exit == 152,
		StartedAt:      run.startedAt,
		FinishedAt:     run.finishedAt,
	}
	out.Stdout, out.Stderr, out.Truncated = run.teardownLocked()
	return out
}

func (run *dockerRun) teardown() {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.teardownLocked()
}

func (run *dockerRun) teardownLocked() (stdout, stderr string, truncated bool) {
	if run.released {
		return "", "", false
	}
	run.released = true
	so, t1 := run.stdout.release()
	se, t2 := run.stderr.release()
	os.RemoveAll(run.dir)
	return so, se, t1 || t2
}
