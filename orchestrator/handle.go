package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// ErrPending is returned by Poll while a task has no terminal result yet.
var ErrPending = errors.New("orchestrator: result pending")

// Handle is the caller's reference to one submitted task. The result can be
// awaited with Result or polled with Poll; both report the same terminal
// outcome forever after.
type Handle struct {
	task types.Task
	rec  *trace.Recorder

	mu      sync.Mutex
	state   types.TaskState
	res     types.ExecutionResult
	err     error
	cancel  context.CancelFunc
	aborted bool
	done    chan struct{}
}

func newHandle(task types.Task, rec *trace.Recorder) *Handle {
	return &Handle{
		task:  task,
		rec:   rec,
		state: types.TaskStatePending,
		done:  make(chan struct{}),
	}
}

// ID returns the task identifier.
func (h *Handle) ID() string { return h.task.ID }

// Task returns the submitted task.
func (h *Handle) Task() types.Task { return h.task }

// Status returns the task's current lifecycle state.
func (h *Handle) Status() types.TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Trace snapshots the task's trace record so far.
func (h *Handle) Trace() trace.Record { return h.rec.Snapshot() }

// Result blocks until the task finishes or ctx dies.
func (h *Handle) Result(ctx context.Context) (types.ExecutionResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, h.err
	case <-ctx.Done():
		return types.ExecutionResult{}, types.NewError(types.ErrCancelled,
			"gave up waiting for result").WithCause(ctx.Err())
	}
}

// Poll returns the terminal result, or ErrPending while the task is still
// in flight.
func (h *Handle) Poll() (types.ExecutionResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, h.err
	default:
		return types.ExecutionResult{}, ErrPending
	}
}

// setState moves the handle forward. Terminal states only arrive through
// resolve.
func (h *Handle) setState(s types.TaskState) {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.state = s
	}
	h.mu.Unlock()
}

// arm installs the cancellation hook for the running dispatch. It reports
// false when the handle went terminal or was aborted first, in which case
// the dispatch must not proceed.
func (h *Handle) arm(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() || h.aborted {
		return false
	}
	h.cancel = cancel
	return true
}

// abort fires the cancellation hook and marks the handle so a later arm is
// refused. Cancel can land in the window between the queue pop and arm;
// the mark is what keeps that dispatch from proceeding.
func (h *Handle) abort() {
	h.mu.Lock()
	h.aborted = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// resolve commits the terminal outcome exactly once and reports whether
// this call was the committing one.
func (h *Handle) resolve(res types.ExecutionResult, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}

	h.res, h.err = res, err
	switch {
	case err == nil:
		h.state = stateForStatus(res.Status)
	case types.IsCode(err, types.ErrCancelled):
		h.state = types.TaskStateCancelled
	default:
		h.state = types.TaskStateFailed
	}
	close(h.done)
	return true
}

// stateForStatus maps a terminal execution status onto the handle's state
// vocabulary. The code ran to completion in the SUCCESS and NONZERO_EXIT
// cases; everything the sandbox or validator refused is a failure, except
// a deadline kill, which keeps its own state.
func stateForStatus(status types.ExecutionStatus) types.TaskState {
	switch status {
	case types.StatusTimeout:
		return types.TaskStateTimeout
	case types.StatusSuccess, types.StatusNonZeroExit:
		return types.TaskStateCompleted
	default:
		return types.TaskStateFailed
	}
}
