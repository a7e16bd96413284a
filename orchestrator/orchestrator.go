package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vorrawut/DebuggyDuckyMCP/internal/ctxkeys"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/metrics"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/retry"
	"github.com/vorrawut/DebuggyDuckyMCP/security"
	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// ResultCache is the optional hot store for terminal results, keyed by task
// ID, so callers can poll after this process forgets the in-memory handle.
type ResultCache interface {
	PutResult(ctx context.Context, res types.ExecutionResult) error
	GetResult(ctx context.Context, taskID string) (types.ExecutionResult, bool, error)
}

// Archiver is the optional durable audit store for tasks and results.
type Archiver interface {
	ArchiveTask(ctx context.Context, task types.Task) error
	ArchiveResult(ctx context.Context, res types.ExecutionResult) error
	LoadResult(ctx context.Context, taskID string) (types.ExecutionResult, bool, error)
}

// Config tunes the orchestrator. Zero fields fall back to DefaultConfig
// values.
type Config struct {
	// MaxAgents caps the registry.
	MaxAgents int

	// QueueCapacity bounds the dispatch queue; overflow is Backpressure.
	QueueCapacity int

	// DispatchWorkers is the number of concurrent dispatch goroutines.
	DispatchWorkers int

	// MaxRetries bounds dispatch retries for retryable failures.
	MaxRetries int

	// RetryInitialDelay and RetryMaxDelay shape the jittered backoff curve.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// SubmitRatePerSec throttles Submit; zero disables throttling.
	SubmitRatePerSec float64
	SubmitBurst      int

	// HealthCheckInterval is the probe cadence for UNAVAILABLE agents.
	HealthCheckInterval time.Duration

	// DefaultBudget fills unset budget fields at submission.
	DefaultBudget types.Budget

	// ResultTTL is how long terminal handles stay addressable in memory.
	ResultTTL time.Duration
}

// DefaultConfig returns the orchestrator tuning used when nothing is
// configured.
func DefaultConfig() Config {
	return Config{
		MaxAgents:           10,
		QueueCapacity:       128,
		DispatchWorkers:     4,
		MaxRetries:          3,
		RetryInitialDelay:   time.Second,
		RetryMaxDelay:       30 * time.Second,
		SubmitBurst:         1,
		HealthCheckInterval: 30 * time.Second,
		DefaultBudget: types.Budget{
			MaxCPU:         30 * time.Second,
			MaxMemoryBytes: 512 << 20,
			Timeout:        60 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
		ResultTTL: 30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAgents <= 0 {
		c.MaxAgents = def.MaxAgents
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = def.DispatchWorkers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = def.RetryInitialDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = def.SubmitBurst
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	c.DefaultBudget = c.DefaultBudget.Normalize(def.DefaultBudget)
	if c.ResultTTL <= 0 {
		c.ResultTTL = def.ResultTTL
	}
	return c
}

// Orchestrator routes tasks to capability-matched agents. It owns the
// dispatch queue and worker loop, validates payloads synchronously at
// submission, and keeps terminal results addressable through handles, the
// result cache, and the audit store.
type Orchestrator struct {
	cfg       Config
	registry  *Registry
	validator *security.Validator
	sink      trace.Sink
	metrics   *metrics.Collector
	logger    *zap.Logger
	limiter   *rate.Limiter
	dispatch  retry.Retryer
	queue     *queue
	prober    *Prober

	cache    ResultCache
	archiver Archiver

	baseCtx context.Context
	stop    context.CancelFunc
	group   *errgroup.Group

	mu      sync.Mutex
	handles map[string]*Handle
	started bool
	closed  bool
}

// New builds an orchestrator around a registry and validator. The sink,
// collector, cache and archiver may be nil.
func New(cfg Config, reg *Registry, validator *security.Validator, sink trace.Sink, collector *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.Named("orchestrator")

	var limiter *rate.Limiter
	if cfg.SubmitRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitBurst)
	}

	o := &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		validator: validator,
		sink:      sink,
		metrics:   collector,
		logger:    logger,
		limiter:   limiter,
		queue:     newQueue(cfg.QueueCapacity),
		handles:   make(map[string]*Handle),
	}
	o.dispatch = retry.New(&retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
		Classify:     types.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			collector.Retry("dispatch")
		},
	}, logger)
	o.prober = NewProber(reg, cfg.HealthCheckInterval, collector, logger)
	return o
}

// WithResultCache installs the result cache. Call before Start.
func (o *Orchestrator) WithResultCache(c ResultCache) *Orchestrator {
	o.cache = c
	return o
}

// WithArchiver installs the audit store. Call before Start.
func (o *Orchestrator) WithArchiver(a Archiver) *Orchestrator {
	o.archiver = a
	return o
}

// WithProbe replaces the default always-recover health probe. Call before
// Start.
func (o *Orchestrator) WithProbe(probe ProbeFunc) *Orchestrator {
	o.prober.SetProbe(probe)
	return o
}

// Registry exposes the agent registry for registration and snapshots.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Start launches the dispatch workers and the health prober.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	if o.closed {
		return types.NewError(types.ErrShuttingDown, "orchestrator closed")
	}
	o.started = true

	o.baseCtx, o.stop = context.WithCancel(context.Background())
	o.group = &errgroup.Group{}
	for i := 0; i < o.cfg.DispatchWorkers; i++ {
		o.group.Go(o.worker)
	}
	o.prober.Start()

	o.logger.Info("orchestrator started",
		zap.Int("dispatch_workers", o.cfg.DispatchWorkers),
		zap.Int("queue_capacity", o.cfg.QueueCapacity))
	return nil
}

// Submit validates, traces, and enqueues one task, returning its handle.
// Validator rejections resolve the handle synchronously; routing failures
// and queue overflow are returned as errors without a handle. The error is
// also non-nil for throttled submissions whose context dies while waiting.
func (o *Orchestrator) Submit(ctx context.Context, capability types.Capability, payload types.Payload, priority types.Priority) (*Handle, error) {
	o.mu.Lock()
	if o.closed || !o.started {
		o.mu.Unlock()
		return nil, types.NewError(types.ErrShuttingDown, "orchestrator not accepting work")
	}
	o.mu.Unlock()

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrCancelled, "submission throttled past caller deadline").WithCause(err)
		}
	}

	task := types.NewTask(capability, payload, priority)
	task.Payload.Budget = task.Payload.Budget.Normalize(o.cfg.DefaultBudget)
	if err := task.Validate(); err != nil {
		return nil, err
	}

	o.metrics.TaskSubmitted(string(task.Capability), task.Priority.String())
	rec := trace.NewRecorder(task.ID, o.sink)

	findings := o.validator.Inspect(task.Payload)
	for _, f := range findings {
		o.metrics.Finding(string(f.Kind), string(f.Severity))
	}
	_ = rec.Advance(ctx, trace.StageValidated, validationNote(findings))

	handle := newHandle(task, rec)
	if types.HasBlocking(findings) {
		o.metrics.TaskBlocked()
		_ = rec.Advance(ctx, trace.StageFailed, string(types.StatusBlocked))
		o.logger.Info("task blocked at submission",
			zap.String("task_id", task.ID),
			zap.Int("findings", len(findings)))
		o.finish(handle, blockedResult(task.ID, findings), nil)
		return handle, nil
	}

	if !o.registry.Serves(task.Capability) {
		err := types.NewError(types.ErrNoCapableAgent, "no registered agent serves capability").
			WithStage("submit")
		_ = rec.Advance(ctx, trace.StageFailed, string(types.ErrNoCapableAgent))
		o.metrics.TaskFinished(string(task.Capability), string(types.ErrNoCapableAgent), 0)
		return nil, err
	}

	o.mu.Lock()
	o.handles[task.ID] = handle
	o.mu.Unlock()

	if err := o.queue.Push(handle); err != nil {
		o.forget(task.ID)
		if types.IsCode(err, types.ErrBackpressure) {
			o.metrics.QueueOverflow()
		}
		_ = rec.Advance(ctx, trace.StageFailed, string(types.GetErrorCode(err)))
		return nil, err
	}
	handle.setState(types.TaskStateQueued)
	_ = rec.Advance(ctx, trace.StageQueued, "")
	o.metrics.SetQueueDepth(o.queue.Len())

	if o.archiver != nil {
		go func() {
			if err := o.archiver.ArchiveTask(context.WithoutCancel(ctx), task); err != nil {
				o.logger.Warn("task archive failed",
					zap.String("task_id", task.ID), zap.Error(err))
			}
		}()
	}
	return handle, nil
}

// Result blocks until the task finishes or ctx dies. Tasks this process no
// longer holds a handle for are looked up in the result cache, then the
// audit store.
func (o *Orchestrator) Result(ctx context.Context, taskID string) (types.ExecutionResult, error) {
	o.mu.Lock()
	h, ok := o.handles[taskID]
	o.mu.Unlock()
	if ok {
		return h.Result(ctx)
	}
	return o.lookupCold(ctx, taskID)
}

// Poll returns a terminal result without blocking, ErrPending while the
// task is in flight, or a TASK_NOT_FOUND error for unknown tasks.
func (o *Orchestrator) Poll(ctx context.Context, taskID string) (types.ExecutionResult, error) {
	o.mu.Lock()
	h, ok := o.handles[taskID]
	o.mu.Unlock()
	if ok {
		return h.Poll()
	}
	return o.lookupCold(ctx, taskID)
}

func (o *Orchestrator) lookupCold(ctx context.Context, taskID string) (types.ExecutionResult, error) {
	if o.cache != nil {
		res, ok, err := o.cache.GetResult(ctx, taskID)
		if err != nil {
			o.logger.Warn("result cache lookup failed",
				zap.String("task_id", taskID), zap.Error(err))
		} else if ok {
			o.metrics.CacheHit("result")
			return res, nil
		} else {
			o.metrics.CacheMiss("result")
		}
	}
	if o.archiver != nil {
		res, ok, err := o.archiver.LoadResult(ctx, taskID)
		if err != nil {
			return types.ExecutionResult{}, types.NewError(types.ErrStoreUnavailable,
				"result lookup failed").WithCause(err)
		}
		if ok {
			return res, nil
		}
	}
	return types.ExecutionResult{}, types.NewError(types.ErrTaskNotFound, "unknown task")
}

// Cancel aborts a task. A queued task is pulled from the queue and resolved
// cancelled; a running task has its sandbox terminated through context
// cancellation. Cancelling a terminal task is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	o.mu.Lock()
	h, ok := o.handles[taskID]
	o.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrTaskNotFound, "unknown task")
	}

	if o.queue.Remove(taskID) {
		o.metrics.SetQueueDepth(o.queue.Len())
		_ = h.rec.Advance(ctx, trace.StageCancelled, "cancelled while queued")
		o.finish(h, types.ExecutionResult{}, types.NewError(types.ErrCancelled, "cancelled while queued"))
		return nil
	}

	// Already dispatched (or racing toward it): fire the hook and let the
	// engine's cancellation path write the terminal stage.
	h.abort()
	return nil
}

// worker drains the dispatch queue until Close.
func (o *Orchestrator) worker() error {
	for {
		h, ok := o.queue.Pop()
		if !ok {
			return nil
		}
		o.metrics.SetQueueDepth(o.queue.Len())
		o.run(h)
	}
}

// run executes one dispatch end to end. Retryable failures surfaced as
// errors get more attempts with jittered backoff; agent selection repeats
// per attempt so a degraded agent can be routed around.
func (o *Orchestrator) run(h *Handle) {
	runCtx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()
	if !h.arm(cancel) {
		// Cancelled (or otherwise resolved) between the queue pop and
		// here. finish no-ops if a terminal outcome already landed.
		o.finish(h, types.ExecutionResult{}, types.NewError(types.ErrCancelled,
			"cancelled before dispatch"))
		return
	}
	h.setState(types.TaskStateRunning)

	ctx := ctxkeys.WithRecorder(runCtx, h.rec)
	res, err := retry.DoTyped(o.dispatch, ctx, func() (types.ExecutionResult, error) {
		ag, selErr := o.registry.Select(h.task.Capability)
		if selErr != nil {
			return types.ExecutionResult{}, selErr
		}
		o.metrics.SetAgentInflight(ag.Name(), ag.Load()+1)
		defer func() { o.metrics.SetAgentInflight(ag.Name(), ag.Load()) }()
		return ag.Execute(ctx, h.task)
	})
	o.finish(h, res, err)
}

// finish commits the terminal outcome: handle, trace, metrics, cache and
// audit store. Pure handlers and routing failures leave the trace without
// a terminal stage, so one is written here; sandbox-backed dispatches
// arrive already terminal and the advance is a rejected no-op.
func (o *Orchestrator) finish(h *Handle, res types.ExecutionResult, err error) {
	if !h.resolve(res, err) {
		return
	}

	background := context.Background()
	switch {
	case err == nil:
		stage := trace.StageCompleted
		if res.Status != types.StatusSuccess && res.Status != types.StatusNonZeroExit {
			stage = trace.StageFailed
		}
		_ = h.rec.Advance(background, stage, string(res.Status))
		o.metrics.TaskFinished(string(h.task.Capability), string(res.Status), time.Since(h.task.SubmittedAt))
	case types.IsCode(err, types.ErrCancelled):
		_ = h.rec.Advance(background, trace.StageCancelled, "")
		o.metrics.TaskFinished(string(h.task.Capability), string(types.ErrCancelled), time.Since(h.task.SubmittedAt))
	default:
		_ = h.rec.Advance(background, trace.StageFailed, string(types.GetErrorCode(err)))
		o.metrics.TaskFinished(string(h.task.Capability), string(types.GetErrorCode(err)), time.Since(h.task.SubmittedAt))
		o.logger.Warn("task failed",
			zap.String("task_id", h.task.ID),
			zap.Error(err))
	}

	if err == nil {
		if o.cache != nil {
			if cerr := o.cache.PutResult(background, res); cerr != nil {
				o.logger.Warn("result cache write failed",
					zap.String("task_id", h.task.ID), zap.Error(cerr))
			}
		}
		if o.archiver != nil {
			if aerr := o.archiver.ArchiveResult(background, res); aerr != nil {
				o.logger.Warn("result archive failed",
					zap.String("task_id", h.task.ID), zap.Error(aerr))
			}
		}
	}

	// Terminal handles stay addressable for ResultTTL, then the cache and
	// store take over cold lookups.
	time.AfterFunc(o.cfg.ResultTTL, func() { o.forget(h.task.ID) })
}

func (o *Orchestrator) forget(taskID string) {
	o.mu.Lock()
	delete(o.handles, taskID)
	o.mu.Unlock()
}

// QueueDepth returns the number of tasks waiting for dispatch.
func (o *Orchestrator) QueueDepth() int { return o.queue.Len() }

// Close stops intake, drains queued dispatches, and waits for workers. If
// ctx dies first, in-flight tasks are cancelled and the wait resumes.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	started := o.started
	o.mu.Unlock()

	o.prober.Stop()
	o.queue.Close()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		o.group.Wait() //nolint:errcheck // workers only return nil
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.stop()
		<-done
	}
	o.stop()
	o.logger.Info("orchestrator stopped")
	return nil
}

// blockedResult is the terminal result of a task refused by the validator
// at submission. No sandbox was leased; the run fields stay zero.
func blockedResult(taskID string, findings []types.Finding) types.ExecutionResult {
	return types.ExecutionResult{
		TaskID:     taskID,
		Status:     types.StatusBlocked,
		ExitCode:   -1,
		Findings:   findings,
		FinishedAt: time.Now().UTC(),
	}
}

func validationNote(findings []types.Finding) string {
	if len(findings) == 0 {
		return "clean"
	}
	return fmt.Sprintf("%d findings, max severity %s", len(findings), types.MaxSeverity(findings))
}
