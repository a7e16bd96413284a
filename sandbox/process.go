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
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// runSpec maps a language onto its source file name and interpreter argv.
type runSpec struct {
	file string
	argv []string
}

// processCommands lists the interpreters the process backend drives.
// Compiled languages need a toolchain the host cannot be assumed to carry,
// so they are container-only.
var processCommands = map[types.Language]runSpec{
	types.LanguagePython:     {file: "main.py", argv: []string{"python3"}},
	types.LanguageJavaScript: {file: "main.js", argv: []string{"node"}},
	types.LanguageBash:       {file: "main.sh", argv: []string{"bash"}},
}

// ProcessBackend runs payloads as local child processes. Each run gets a
// fresh working directory, a stripped environment, and its own process
// group. Resource usage is sampled from /proc and breaches kill the whole
// group. It trades container isolation for zero infrastructure, which suits
// development and trusted single-tenant deployments.
type ProcessBackend struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	slots map[Handle]*procSlot
}

type procSlot struct {
	dir    string
	limits Limits

	mu  sync.Mutex
	seq int
	run *procRun
}

type procRun struct {
	cmd       *exec.Cmd
	stdout    *cappedBuffer
	stderr    *cappedBuffer
	budget    types.Budget
	dir       string
	startedAt time.Time

	done    chan struct{}
	waitErr error

	mu             sync.Mutex
	released       bool
	peakRSS        int64
	sampledCPU     time.Duration
	finalCPU       time.Duration
	timedOut       bool
	cpuExceeded    bool
	memoryExceeded bool
	finishedAt     time.Time
}

// NewProcessBackend creates a local process backend.
func NewProcessBackend(cfg Config, logger *zap.Logger) *ProcessBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 100 * time.Millisecond
	}
	return &ProcessBackend{
		cfg:    cfg,
		logger: logger,
		slots:  make(map[Handle]*procSlot),
	}
}

// Name identifies the backend.
func (b *ProcessBackend) Name() string { return "process" }

// Create provisions a working directory for a new slot.
func (b *ProcessBackend) Create(ctx context.Context, limits Limits) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
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
	b.slots[h] = &procSlot{dir: dir, limits: limits}
	b.mu.Unlock()

	b.logger.Debug("sandbox slot created",
		zap.String("backend", "process"),
		zap.String("handle", string(h)),
		zap.String("dir", dir))
	return h, nil
}

// Submit writes the payload into a fresh run directory and starts the
// interpreter with a stripped environment.
func (b *ProcessBackend) Submit(ctx context.Context, h Handle, payload types.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slot, err := b.slot(h)
	if err != nil {
		return err
	}
	spec, ok := processCommands[payload.Language]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedLanguage, payload.Language)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.run != nil {
		return ErrRunActive
	}

	budget := clampBudget(payload.Budget, slot.limits)

	slot.seq++
	runDir := filepath.Join(slot.dir, fmt.Sprintf("run-%d", slot.seq))
	if err := os.Mkdir(runDir, 0o700); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, spec.file), []byte(payload.Source), 0o600); err != nil {
		os.RemoveAll(runDir)
		return fmt.Errorf("write payload: %w", err)
	}

	argv := append(append([]string{}, spec.argv...), spec.file)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = runDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + runDir,
		"TMPDIR=" + runDir,
		"LANG=C.UTF-8",
	}
	// A dedicated process group lets one kill take down the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	run := &procRun{
		cmd:    cmd,
		stdout: newCappedBuffer(budget.MaxOutputBytes),
		stderr: newCappedBuffer(budget.MaxOutputBytes),
		budget: budget,
		dir:    runDir,
		done:   make(chan struct{}),
	}
	cmd.Stdout = run.stdout
	cmd.Stderr = run.stderr

	if err := cmd.Start(); err != nil {
		run.stdout.release()
		run.stderr.release()
		os.RemoveAll(runDir)
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	run.startedAt = time.Now().UTC()
	slot.run = run

	go b.reap(run)
	go b.monitor(run)

	b.logger.Debug("payload submitted",
		zap.String("backend", "process"),
		zap.String("handle", string(h)),
		zap.String("language", string(payload.Language)),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// reap records the exit of the child and its final resource accounting.
func (b *ProcessBackend) reap(run *procRun) {
	err := run.cmd.Wait()

	run.mu.Lock()
	run.waitErr = err
	run.finishedAt = time.Now().UTC()
	if ps := run.cmd.ProcessState; ps != nil {
		run.finalCPU = ps.UserTime() + ps.SystemTime()
		if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
			// Maxrss is reported in KiB on Linux.
			if rss := ru.Maxrss * 1024; rss > run.peakRSS {
				run.peakRSS = rss
			}
		}
	}
	run.mu.Unlock()
	close(run.done)
}

// monitor samples /proc for the child and kills the group when the budget
// is breached. Only the direct child is sampled; the group kill still
// covers descendants.
func (b *ProcessBackend) monitor(run *procRun) {
	ticker := time.NewTicker(b.cfg.MonitorInterval)
	defer ticker.Stop()

	pid := run.cmd.Process.Pid
	for {
		select {
		case <-run.done:
			return
		case <-ticker.C:
		}

		if rss, err := readProcRSS(pid); err == nil {
			run.mu.Lock()
			if rss > run.peakRSS {
				run.peakRSS = rss
			}
			breach := run.budget.MaxMemoryBytes > 0 && rss > run.budget.MaxMemoryBytes
			if breach {
				run.memoryExceeded = true
			}
			run.mu.Unlock()
			if breach {
				b.kill(run)
				return
			}
		}

		if cpu, err := readProcCPU(pid); err == nil {
			run.mu.Lock()
			run.sampledCPU = cpu
			breach := run.budget.MaxCPU > 0 && cpu > run.budget.MaxCPU
			if breach {
				run.cpuExceeded = true
			}
			run.mu.Unlock()
			if breach {
				b.kill(run)
				return
			}
		}

		if run.budget.Timeout > 0 && time.Since(run.startedAt) > run.budget.Timeout {
			run.mu.Lock()
			run.timedOut = true
			run.mu.Unlock()
			b.kill(run)
			return
		}
	}
}

func (b *ProcessBackend) kill(run *procRun) {
	if p := run.cmd.Process; p != nil {
		// Negative pid addresses the whole process group.
		_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
	}
}

// Wait blocks until the run finishes or the deadline passes, then folds the
// run into an Outcome and clears the slot for the next submission.
func (b *ProcessBackend) Wait(ctx context.Context, h Handle, deadline time.Time) (*Outcome, error) {
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

// Terminate kills the active run without tearing down the slot. The pending
// Wait observes the exit and assembles the outcome.
func (b *ProcessBackend) Terminate(ctx context.Context, h Handle) error {
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

// Destroy kills any active run and removes the slot directory.
func (b *ProcessBackend) Destroy(ctx context.Context, h Handle) error {
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
		zap.String("backend", "process"),
		zap.String("handle", string(h)))
	return nil
}

func (b *ProcessBackend) slot(h Handle) (*procSlot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return slot, nil
}

func (b *ProcessBackend) detach(slot *procSlot, run *procRun) {
	slot.mu.Lock()
	if slot.run == run {
		slot.run = nil
	}
	slot.mu.Unlock()
}

// outcome assembles the Outcome and releases the run's buffers. Must be
// called after done is closed.
func (run *procRun) outcome() *Outcome {
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

	cpu := run.finalCPU
	if run.sampledCPU > cpu {
		cpu = run.sampledCPU
	}

	out := &Outcome{
		ExitCode:        exit,
		CPUTime:         cpu,
		PeakMemoryBytes: run.peakRSS,
		WallTime:        run.finishedAt.Sub(run.startedAt),
		TimedOut:        run.timedOut,
		CPUExceeded:     run.cpuExceeded,
		MemoryExceeded:  run.memoryExceeded,
		StartedAt:       run.startedAt,
		FinishedAt:      run.finishedAt,
	}
	out.Stdout, out.Stderr, out.Truncated = run.teardownLocked()
	return out
}

// teardown releases buffers and removes the run directory, once.
func (run *procRun) teardown() {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.teardownLocked()
}

func (run *procRun) teardownLocked() (stdout, stderr string, truncated bool) {
	if run.released {
		return "", "", false
	}
	run.released = true
	so, t1 := run.stdout.release()
	se, t2 := run.stderr.release()
	os.RemoveAll(run.dir)
	return so, se, t1 || t2
}

// readProcRSS returns the resident set size of pid in bytes.
func readProcRSS(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", pid)
}

// readProcCPU returns user+system CPU time consumed by pid.
func readProcCPU(pid int) (time.Duration, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// The comm field may contain spaces, so count fields after the closing
	// parenthesis: utime and stime are the 14th and 15th of the full line.
	raw := string(data)
	idx := strings.LastIndexByte(raw, ')')
	if idx < 0 || idx+2 >= len(raw) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(raw[idx+2:])
	if len(fields) < 13 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	utime, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	const clockTicksPerSecond = 100
	return time.Duration(utime+stime) * time.Second / clockTicksPerSecond, nil
}
