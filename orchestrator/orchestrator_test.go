package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorrawut/DebuggyDuckyMCP/agent"
	"github.com/vorrawut/DebuggyDuckyMCP/security"
	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// captureSink records stage transitions for assertions.
type captureSink struct {
	mu     sync.Mutex
	stages map[string][]trace.Stage // task ID -> stages in arrival order
}

func newCaptureSink() *captureSink {
	return &captureSink{stages: make(map[string][]trace.Stage)}
}

func (c *captureSink) Stage(_ context.Context, rec trace.Record, tr trace.Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages[rec.TaskID] = append(c.stages[rec.TaskID], tr.Stage)
}

func (c *captureSink) of(taskID string) []trace.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]trace.Stage(nil), c.stages[taskID]...)
}

func testConfig() Config {
	return Config{
		QueueCapacity:     16,
		DispatchWorkers:   2,
		MaxRetries:        2,
		RetryInitialDelay: 5 * time.Millisecond,
		RetryMaxDelay:     20 * time.Millisecond,
		ResultTTL:         time.Minute,
	}
}

// newTestOrchestrator wires an orchestrator with the given agents registered
// and started. Close runs at test cleanup.
func newTestOrchestrator(t *testing.T, cfg Config, agents ...*agent.Agent) (*Orchestrator, *captureSink) {
	t.Helper()

	sink := newCaptureSink()
	reg := NewRegistry(cfg.MaxAgents, nil)
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}

	o := New(cfg, reg, security.New(security.DefaultConfig(), nil), sink, nil, nil)
	require.NoError(t, o.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, o.Close(ctx))
	})
	return o, sink
}

func TestOrchestrator_SubmitHappyPath(t *testing.T) {
	ctx := context.Background()
	h := &scriptedHandler{caps: execCap()}
	o, sink := newTestOrchestrator(t, testConfig(), newTestAgent(t, "worker", 2, h))

	handle, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	require.NoError(t, err)
	require.NotNil(t, handle)

	res, err := handle.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, types.TaskStateCompleted, handle.Status())
	assert.Equal(t, 1, h.callCount())

	rec := handle.Trace()
	assert.Equal(t, trace.StageCompleted, rec.Current())
	assert.Equal(t, trace.StageValidated, rec.Stages[0].Stage)

	got := sink.of(handle.ID())
	require.NotEmpty(t, got)
	assert.Equal(t, trace.StageValidated, got[0])
	assert.Contains(t, got, trace.StageQueued)
	assert.Equal(t, trace.StageCompleted, got[len(got)-1])

	// Poll agrees with Result, and repeated reads agree with each other.
	again, err := o.Poll(ctx, handle.ID())
	require.NoError(t, err)
	assert.Equal(t, res.Status, again.Status)
}

func TestOrchestrator_BlockedAtSubmission(t *testing.T) {
	ctx := context.Background()
	h := &scriptedHandler{caps: execCap()}
	o, sink := newTestOrchestrator(t, testConfig(), newTestAgent(t, "worker", 2, h))

	payload := validPayload()
	payload.Source = "eval(input())"
	handle, err := o.Submit(ctx, types.CapCodeExecution, payload, types.PriorityNormal)
	require.NoError(t, err, "refusal is a result, not a submit error")
	require.NotNil(t, handle)

	res, err := handle.Poll()
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, res.Status)
	assert.Equal(t, -1, res.ExitCode)
	assert.True(t, types.HasBlocking(res.Findings))
	assert.Equal(t, 0, h.callCount(), "blocked payloads never reach an agent")
	assert.Equal(t, types.TaskStateFailed, handle.Status())

	got := sink.of(handle.ID())
	require.Len(t, got, 2)
	assert.Equal(t, trace.StageValidated, got[0])
	assert.Equal(t, trace.StageFailed, got[1])
}

func TestOrchestrator_NoCapableAgent(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, testConfig(),
		newTestAgent(t, "worker", 2, &scriptedHandler{caps: execCap()}))

	handle, err := o.Submit(ctx, types.CapDebugging, validPayload(), types.PriorityNormal)
	assert.Nil(t, handle)
	assert.True(t, types.IsCode(err, types.ErrNoCapableAgent))
}

func TestOrchestrator_InvalidTaskRejected(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, testConfig(),
		newTestAgent(t, "worker", 2, &scriptedHandler{caps: execCap()}))

	payload := validPayload()
	payload.Source = ""
	handle, err := o.Submit(ctx, types.CapCodeExecution, payload, types.PriorityNormal)
	assert.Nil(t, handle)
	assert.True(t, types.IsCode(err, types.ErrInvalidTask))
}

// saturate submits one task that occupies the sole worker and agent slot
// until release is closed. It returns once the handler is running.
func saturate(t *testing.T, o *Orchestrator, started chan struct{}, release chan struct{}) *Handle {
	t.Helper()
	ctx := context.Background()

	handle, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking task never started")
	}
	return handle
}

func blockingHandler(started, release chan struct{}) *scriptedHandler {
	return &scriptedHandler{
		caps: execCap(),
		handle: func(ctx context.Context, task types.Task) (types.ExecutionResult, error) {
			started <- struct{}{}
			select {
			case <-release:
				return types.ExecutionResult{TaskID: task.ID, Status: types.StatusSuccess, FinishedAt: time.Now()}, nil
			case <-ctx.Done():
				return types.ExecutionResult{}, types.NewError(types.ErrCancelled, "interrupted").WithCause(ctx.Err())
			}
		},
	}
}

func TestOrchestrator_BackpressureOnFullQueue(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QueueCapacity = 1
	cfg.DispatchWorkers = 1

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	o, _ := newTestOrchestrator(t, cfg, newTestAgent(t, "worker", 1, blockingHandler(started, release)))

	running := saturate(t, o, started, release)

	// Sole worker is busy: the next submission sits in the queue.
	queued, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.QueueDepth() == 1 }, time.Second, 5*time.Millisecond)

	_, err = o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBackpressure))
	assert.True(t, types.IsRetryable(err))

	close(release)
	for _, h := range []*Handle{running, queued} {
		res, err := h.Result(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSuccess, res.Status)
	}
}

func TestOrchestrator_CancelQueued(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DispatchWorkers = 1

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	o, sink := newTestOrchestrator(t, cfg, newTestAgent(t, "worker", 1, blockingHandler(started, release)))

	running := saturate(t, o, started, release)

	queued, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.QueueDepth() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(ctx, queued.ID()))
	assert.Equal(t, 0, o.QueueDepth())
	assert.Equal(t, types.TaskStateCancelled, queued.Status())

	_, err = queued.Poll()
	assert.True(t, types.IsCode(err, types.ErrCancelled))

	got := sink.of(queued.ID())
	require.NotEmpty(t, got)
	assert.Equal(t, trace.StageCancelled, got[len(got)-1])

	close(release)
	_, err = running.Result(ctx)
	require.NoError(t, err)
}

func TestOrchestrator_CancelRunning(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	o, _ := newTestOrchestrator(t, testConfig(),
		newTestAgent(t, "worker", 1, blockingHandler(started, release)))

	handle := saturate(t, o, started, release)
	require.NoError(t, o.Cancel(ctx, handle.ID()))

	_, err := handle.Result(ctx)
	assert.True(t, types.IsCode(err, types.ErrCancelled))
	assert.Equal(t, types.TaskStateCancelled, handle.Status())
	assert.Equal(t, trace.StageCancelled, handle.Trace().Current())
}

func TestOrchestrator_CancelUnknownTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(),
		newTestAgent(t, "worker", 1, &scriptedHandler{caps: execCap()}))
	err := o.Cancel(context.Background(), "no-such-task")
	assert.True(t, types.IsCode(err, types.ErrTaskNotFound))
}

func TestOrchestrator_RetriesRetryableFailure(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	failures := 1
	h := &scriptedHandler{
		caps: execCap(),
		handle: func(ctx context.Context, task types.Task) (types.ExecutionResult, error) {
			mu.Lock()
			defer mu.Unlock()
			if failures > 0 {
				failures--
				return types.ExecutionResult{}, types.NewError(types.ErrSandboxFailure,
					"transient backend hiccup").WithRetryable(true)
			}
			return types.ExecutionResult{TaskID: task.ID, Status: types.StatusSuccess, FinishedAt: time.Now()}, nil
		},
	}
	o, _ := newTestOrchestrator(t, testConfig(), newTestAgent(t, "worker", 2, h))

	handle, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	require.NoError(t, err)

	res, err := handle.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 2, h.callCount())
}

func TestOrchestrator_RetriesExhaust(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxRetries = 1

	h := &scriptedHandler{
		caps: execCap(),
		handle: func(ctx context.Context, task types.Task) (types.ExecutionResult, error) {
			return types.ExecutionResult{}, types.NewError(types.ErrSandboxFailure,
				"backend down").WithRetryable(true)
		},
	}
	o, sink := newTestOrchestrator(t, cfg, newTestAgent(t, "worker", 2, h))

	handle, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	require.NoError(t, err)

	_, err = handle.Result(ctx)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrSandboxFailure))
	assert.Equal(t, 2, h.callCount(), "initial attempt plus one retry")
	assert.Equal(t, types.TaskStateFailed, handle.Status())

	got := sink.of(handle.ID())
	require.NotEmpty(t, got)
	assert.Equal(t, trace.StageFailed, got[len(got)-1])
}

// fakeCache is an in-memory ResultCache.
type fakeCache struct {
	mu  sync.Mutex
	res map[string]types.ExecutionResult
}

func newFakeCache() *fakeCache {
	return &fakeCache{res: make(map[string]types.ExecutionResult)}
}

func (c *fakeCache) PutResult(_ context.Context, res types.ExecutionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res[res.TaskID] = res
	return nil
}

func (c *fakeCache) GetResult(_ context.Context, taskID string) (types.ExecutionResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.res[taskID]
	return res, ok, nil
}

// fakeArchiver is an in-memory Archiver.
type fakeArchiver struct {
	mu      sync.Mutex
	tasks   map[string]types.Task
	results map[string]types.ExecutionResult
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{
		tasks:   make(map[string]types.Task),
		results: make(map[string]types.ExecutionResult),
	}
}

func (a *fakeArchiver) ArchiveTask(_ context.Context, task types.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[task.ID] = task
	return nil
}

func (a *fakeArchiver) ArchiveResult(_ context.Context, res types.ExecutionResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[res.TaskID] = res
	return nil
}

func (a *fakeArchiver) LoadResult(_ context.Context, taskID string) (types.ExecutionResult, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.results[taskID]
	return res, ok, nil
}

func (a *fakeArchiver) taskCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

func TestOrchestrator_ResultFlowsToCacheAndArchive(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	archive := newFakeArchiver()

	o, _ := newTestOrchestrator(t, testConfig(),
		newTestAgent(t, "worker", 2, &scriptedHandler{caps: execCap()}))
	o.WithResultCache(cache).WithArchiver(archive)

	handle, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	require.NoError(t, err)
	_, err = handle.Result(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok, _ := cache.GetResult(ctx, handle.ID())
		return ok
	}, time.Second, 5*time.Millisecond, "terminal result reaches the cache")
	require.Eventually(t, func() bool {
		_, ok, _ := archive.LoadResult(ctx, handle.ID())
		return ok
	}, time.Second, 5*time.Millisecond, "terminal result reaches the audit store")
	require.Eventually(t, func() bool { return archive.taskCount() == 1 },
		time.Second, 5*time.Millisecond, "submission reaches the audit store")
}

func TestOrchestrator_ColdLookup(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	archive := newFakeArchiver()

	o, _ := newTestOrchestrator(t, testConfig(),
		newTestAgent(t, "worker", 2, &scriptedHandler{caps: execCap()}))
	o.WithResultCache(cache).WithArchiver(archive)

	// Unknown everywhere.
	_, err := o.Poll(ctx, "cold-miss")
	assert.True(t, types.IsCode(err, types.ErrTaskNotFound))

	// Cache hit wins without touching the archive.
	require.NoError(t, cache.PutResult(ctx, types.ExecutionResult{TaskID: "warm", Status: types.StatusSuccess}))
	res, err := o.Result(ctx, "warm")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)

	// Cache miss falls through to the archive.
	require.NoError(t, archive.ArchiveResult(ctx, types.ExecutionResult{TaskID: "archived", Status: types.StatusNonZeroExit, ExitCode: 3}))
	res, err = o.Poll(ctx, "archived")
	require.NoError(t, err)
	assert.Equal(t, types.StatusNonZeroExit, res.Status)
	assert.Equal(t, 3, res.ExitCode)
}

func TestOrchestrator_PollPending(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	o, _ := newTestOrchestrator(t, testConfig(),
		newTestAgent(t, "worker", 1, blockingHandler(started, release)))

	handle := saturate(t, o, started, release)
	_, err := o.Poll(ctx, handle.ID())
	assert.ErrorIs(t, err, ErrPending)

	close(release)
	_, err = handle.Result(ctx)
	require.NoError(t, err)
}

func TestOrchestrator_SubmitAfterClose(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(0, nil)
	require.NoError(t, reg.Register(newTestAgent(t, "worker", 1, &scriptedHandler{caps: execCap()})))
	o := New(testConfig(), reg, security.New(security.DefaultConfig(), nil), nil, nil, nil)
	require.NoError(t, o.Start())
	require.NoError(t, o.Close(ctx))

	_, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
	assert.True(t, types.IsCode(err, types.ErrShuttingDown))
	require.NoError(t, o.Close(ctx), "second close is a no-op")
}

func TestOrchestrator_CloseWithoutStart(t *testing.T) {
	o := New(testConfig(), NewRegistry(0, nil), security.New(security.DefaultConfig(), nil), nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Close(ctx))
}

func TestOrchestrator_CloseDrainsQueued(t *testing.T) {
	ctx := context.Background()
	h := &scriptedHandler{caps: execCap()}
	reg := NewRegistry(0, nil)
	require.NoError(t, reg.Register(newTestAgent(t, "worker", 4, h)))
	o := New(testConfig(), reg, security.New(security.DefaultConfig(), nil), nil, nil, nil)
	require.NoError(t, o.Start())

	handles := make([]*Handle, 0, 8)
	for i := 0; i < 8; i++ {
		handle, err := o.Submit(ctx, types.CapCodeExecution, validPayload(), types.PriorityNormal)
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Close(closeCtx))

	for _, handle := range handles {
		res, err := handle.Poll()
		require.NoError(t, err)
		assert.Equal(t, types.StatusSuccess, res.Status)
	}
	assert.Equal(t, 8, h.callCount())
}
