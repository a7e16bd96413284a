package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/internal/bufpool"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// Handle identifies one live sandbox slot owned by a Backend. Handles are
// opaque to callers; they only round-trip between Backend methods.
type Handle string

// Limits is the resource ceiling installed when a sandbox is created.
// Per-run budgets travel with the payload and are clamped to these values,
// so a misbehaving caller can never widen what the slot was built with.
type Limits struct {
	MaxCPU         time.Duration
	MaxMemoryBytes int64
	MaxWallClock   time.Duration
	MaxOutputBytes int64
}

// Outcome is the raw record of one finished run inside a sandbox. The
// engine folds it into a types.ExecutionResult; backends never classify
// beyond the boolean breach flags.
type Outcome struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	Truncated       bool
	CPUTime         time.Duration
	PeakMemoryBytes int64
	WallTime        time.Duration
	TimedOut        bool
	CPUExceeded     bool
	MemoryExceeded  bool
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Backend is the isolation primitive boundary. Implementations must be safe
// for concurrent use; each handle, however, carries at most one run at a
// time and the caller serializes Submit/Wait per handle.
type Backend interface {
	// Name identifies the backend for logs and metrics.
	Name() string

	// Create provisions a new sandbox slot bounded by limits.
	Create(ctx context.Context, limits Limits) (Handle, error)

	// Submit installs per-run resource limits from the payload budget and
	// starts the payload inside the slot.
	Submit(ctx context.Context, h Handle, payload types.Payload) error

	// Wait blocks until the submitted run finishes, the deadline passes, or
	// ctx is cancelled. A zero deadline waits indefinitely. On deadline the
	// run is killed and the outcome carries TimedOut; on cancellation the
	// run is killed and ctx's error is returned.
	Wait(ctx context.Context, h Handle, deadline time.Time) (*Outcome, error)

	// Terminate kills the active run, if any, without destroying the slot.
	Terminate(ctx context.Context, h Handle) error

	// Destroy tears down the slot and releases everything it held.
	Destroy(ctx context.Context, h Handle) error
}

// Backend sentinel errors.
var (
	ErrUnknownHandle       = errors.New("sandbox: unknown handle")
	ErrRunActive           = errors.New("sandbox: a run is already in progress")
	ErrNoActiveRun         = errors.New("sandbox: no run has been submitted")
	ErrUnsupportedLanguage = errors.New("sandbox: language not supported by this backend")
)

// Config carries backend tuning shared by both implementations. Fields that
// only apply to one backend are documented as such.
type Config struct {
	// WorkDir is the root under which per-sandbox directories are created.
	// Empty means the system temp dir.
	WorkDir string

	// Image, when set, overrides the per-language container image for every
	// run. Docker backend only.
	Image string

	// Languages lists the languages the backend should be warmed for. The
	// docker backend pulls their images at create time.
	Languages []types.Language

	// AllowNetwork grants runs outbound network access. Default deny.
	AllowNetwork bool

	// CPUs bounds the core share of one container. Docker backend only.
	CPUs float64

	// MonitorInterval is the resource sampling period of the process
	// backend. Zero means 100ms.
	MonitorInterval time.Duration
}

// DefaultConfig returns the backend tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Languages:       []types.Language{types.LanguagePython, types.LanguageJavaScript, types.LanguageBash},
		CPUs:            1.0,
		MonitorInterval: 100 * time.Millisecond,
	}
}

// New builds a backend by name: "process" or "docker".
func New(kind string, cfg Config, logger *zap.Logger) (Backend, error) {
	switch kind {
	case "", "process":
		return NewProcessBackend(cfg, logger), nil
	case "docker":
		return NewDockerBackend(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", kind)
	}
}

// clampBudget caps a per-run budget at the ceiling installed when the slot
// was created. Zero ceiling fields leave the budget untouched.
func clampBudget(b types.Budget, lim Limits) types.Budget {
	if lim.MaxCPU > 0 && (b.MaxCPU <= 0 || b.MaxCPU > lim.MaxCPU) {
		b.MaxCPU = lim.MaxCPU
	}
	if lim.MaxMemoryBytes > 0 && (b.MaxMemoryBytes <= 0 || b.MaxMemoryBytes > lim.MaxMemoryBytes) {
		b.MaxMemoryBytes = lim.MaxMemoryBytes
	}
	if lim.MaxWallClock > 0 && (b.Timeout <= 0 || b.Timeout > lim.MaxWallClock) {
		b.Timeout = lim.MaxWallClock
	}
	if lim.MaxOutputBytes > 0 && (b.MaxOutputBytes <= 0 || b.MaxOutputBytes > lim.MaxOutputBytes) {
		b.MaxOutputBytes = lim.MaxOutputBytes
	}
	return b
}

// cappedBuffer captures stream output up to a byte ceiling. Writes past the
// ceiling are counted as written so the producing pipe keeps draining
// instead of blocking the child.
type cappedBuffer struct {
	buf       *bytes.Buffer
	max       int64
	truncated bool
}

func newCappedBuffer(max int64) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{buf: bufpool.ByteBuffers.Get(), max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.max - int64(b.buf.Len())
	if remain <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// release copies the captured bytes out and returns the backing buffer to
// the pool. Calling release twice is a no-op returning empty output.
func (b *cappedBuffer) release() (string, bool) {
	if b.buf == nil {
		return "", b.truncated
	}
	s := b.buf.String()
	bufpool.ByteBuffers.Put(b.buf)
	b.buf = nil
	return s, b.truncated
}
