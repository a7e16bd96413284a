package agent

import (
	"context"

	"github.com/vorrawut/DebuggyDuckyMCP/internal/ctxkeys"
	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// Runner is the execution-engine surface sandbox-backed handlers delegate
// to. The engine satisfies it directly; tests substitute fakes.
type Runner interface {
	RunTraced(ctx context.Context, task types.Task, rec *trace.Recorder) (types.ExecutionResult, error)
}

// ExecHandler runs payloads inside the warm sandbox pool by delegating to
// the execution engine. It is the handler behind the execution-flavored
// capability tags.
type ExecHandler struct {
	runner Runner
	caps   []types.Capability
}

// NewExecHandler builds an execution-backed handler. With no explicit tags
// it serves code and test execution.
func NewExecHandler(runner Runner, caps ...types.Capability) *ExecHandler {
	if len(caps) == 0 {
		caps = []types.Capability{types.CapCodeExecution, types.CapTestExecution}
	}
	return &ExecHandler{runner: runner, caps: caps}
}

// Capabilities implements Handler.
func (h *ExecHandler) Capabilities() []types.Capability {
	return append([]types.Capability(nil), h.caps...)
}

// Handle implements Handler. The dispatcher opens the task's trace at
// submission and rides it through the context; a direct call without one
// gets a private record so the engine's stage bookkeeping still holds.
func (h *ExecHandler) Handle(ctx context.Context, task types.Task) (types.ExecutionResult, error) {
	rec, ok := ctxkeys.Recorder(ctx)
	if !ok {
		rec = trace.NewRecorder(task.ID, nil)
	}
	return h.runner.RunTraced(ctx, task, rec)
}
