package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/internal/metrics"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/retry"
	"github.com/vorrawut/DebuggyDuckyMCP/pool"
	"github.com/vorrawut/DebuggyDuckyMCP/sandbox"
	"github.com/vorrawut/DebuggyDuckyMCP/security"
	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

const instrumentationName = "github.com/vorrawut/DebuggyDuckyMCP/engine"

// sandboxAttempts bounds lease-and-run cycles per task: the first pass plus
// one fresh instance after a host-level sandbox failure.
const sandboxAttempts = 2

// Config tunes the engine. Zero fields fall back to DefaultConfig values.
type Config struct {
	// DefaultBudget fills unset budget fields on incoming tasks.
	DefaultBudget types.Budget

	// AcquireRetries bounds the extra pool acquisitions attempted after an
	// exhaustion before the task is refused.
	AcquireRetries int

	// RetryBaseDelay is the first backoff step between acquisitions.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps acquisition backoff growth.
	RetryMaxDelay time.Duration
}

// DefaultConfig returns the engine tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultBudget: types.Budget{
			MaxCPU:         30 * time.Second,
			MaxMemoryBytes: 512 << 20,
			Timeout:        60 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
		AcquireRetries: 2,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	c.DefaultBudget = c.DefaultBudget.Normalize(def.DefaultBudget)
	if c.AcquireRetries <= 0 {
		c.AcquireRetries = def.AcquireRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	return c
}

// Engine executes tasks against the warm sandbox pool. It is safe for
// concurrent use.
type Engine struct {
	cfg       Config
	validator *security.Validator
	pool      *pool.Manager
	sink      trace.Sink
	metrics   *metrics.Collector
	logger    *zap.Logger
	tracer    oteltrace.Tracer
	acquire   retry.Retryer
}

// New builds an engine. The sink and collector may be nil; the validator and
// pool may not.
func New(cfg Config, validator *security.Validator, pl *pool.Manager, sink trace.Sink, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.Named("engine")

	policy := &retry.Policy{
		MaxRetries:   cfg.AcquireRetries,
		InitialDelay: cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}

	return &Engine{
		cfg:       cfg,
		validator: validator,
		pool:      pl,
		sink:      sink,
		metrics:   collector,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		acquire:   retry.New(policy, logger),
	}
}

// Run executes one task end to end and returns its terminal result. The
// returned error is non-nil only when no classification is possible:
// cancellation, shutdown, or a malformed task. Every other outcome, blocked
// and resource-refused tasks included, is expressed in the result itself.
func (e *Engine) Run(ctx context.Context, task types.Task) (types.ExecutionResult, error) {
	return e.RunTraced(ctx, task, trace.NewRecorder(task.ID, e.sink))
}

// RunTraced is Run for callers that opened the trace themselves. A record
// already at the validated stage skips inspection; the orchestrator uses
// this after validating synchronously at submission.
func (e *Engine) RunTraced(ctx context.Context, task types.Task, rec *trace.Recorder) (types.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run",
		oteltrace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.capability", string(task.Capability)),
			attribute.String("task.language", string(task.Payload.Language)),
		))
	defer span.End()

	task.Payload.Budget = task.Payload.Budget.Normalize(e.cfg.DefaultBudget)
	if err := task.Validate(); err != nil {
		span.RecordError(err)
		return types.ExecutionResult{}, err
	}

	if rec.Current() == "" {
		findings := e.validator.Inspect(task.Payload)
		for _, f := range findings {
			e.metrics.Finding(string(f.Kind), string(f.Severity))
		}
		_ = rec.Advance(ctx, trace.StageValidated, validationNote(findings))
		if types.HasBlocking(findings) {
			e.metrics.TaskBlocked()
			e.logger.Info("task blocked by validator",
				zap.String("task_id", task.ID),
				zap.String("language", string(task.Payload.Language)),
				zap.Int("findings", len(findings)))
			res := Blocked(task.ID, findings)
			e.finish(ctx, span, rec, task, res)
			return res, nil
		}
	}

	res, err := e.execute(ctx, task, rec)
	if err != nil {
		stage := trace.StageFailed
		if types.IsCode(err, types.ErrCancelled) {
			stage = trace.StageCancelled
		}
		_ = rec.Advance(context.WithoutCancel(ctx), stage, string(types.GetErrorCode(err)))
		span.RecordError(err)
		e.logger.Warn("task abandoned",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return types.ExecutionResult{}, err
	}

	e.finish(ctx, span, rec, task, res)
	return res, nil
}

// execute runs the lease-and-run cycle, giving a task that lost its sandbox
// to a host-level failure one fresh instance before surfacing the failure.
func (e *Engine) execute(ctx context.Context, task types.Task, rec *trace.Recorder) (types.ExecutionResult, error) {
	_ = rec.Advance(ctx, trace.StageQueued, "")

	var res types.ExecutionResult
	var err error
	for attempt := 1; attempt <= sandboxAttempts; attempt++ {
		res, err = e.attempt(ctx, task, rec, attempt)
		if err == nil || !types.IsCode(err, types.ErrSandboxFailure) || attempt == sandboxAttempts {
			break
		}
		e.metrics.Retry("sandbox_failure")
		e.logger.Warn("sandbox failed under task, retrying on a fresh instance",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	if err == nil {
		return res, nil
	}

	switch types.GetErrorCode(err) {
	case types.ErrPoolExhausted:
		e.metrics.PoolExhausted()
		return refusedResult(task.ID, types.StatusResourceExceeded, types.ReasonPoolExhausted), nil
	case types.ErrSandboxFailure:
		reason := ""
		var terr *types.Error
		if errors.As(err, &terr) && terr.Stage == "acquire" {
			reason = types.ReasonProvisionFailed
		}
		return refusedResult(task.ID, types.StatusSandboxFailure, reason), nil
	}
	return types.ExecutionResult{}, err
}

// attempt performs one acquire-submit-wait-release cycle. Errors tagged
// SANDBOX_FAILURE mean the instance was retired mid-task and a fresh one may
// fare better; everything else is final.
func (e *Engine) attempt(ctx context.Context, task types.Task, rec *trace.Recorder, attempt int) (types.ExecutionResult, error) {
	budget := task.Payload.Budget

	waitStart := time.Now()
	inst, err := e.acquireInstance(ctx, budget.Timeout)
	e.metrics.ObserveAcquireWait(time.Since(waitStart))
	if err != nil {
		return types.ExecutionResult{}, err
	}

	// Stage repeats on the retry attempt are rejected by the recorder and
	// deliberately ignored: the record keeps the first pass.
	_ = rec.Advance(ctx, trace.StageLeased, inst.ID())
	e.logger.Debug("sandbox leased",
		zap.String("task_id", task.ID),
		zap.String("instance_id", inst.ID()),
		zap.Int("attempt", attempt))

	if err := inst.Submit(ctx, task.Payload); err != nil {
		e.retire(ctx, inst, err)
		if ctx.Err() != nil {
			return types.ExecutionResult{}, cancelErr(ctx)
		}
		if errors.Is(err, sandbox.ErrUnsupportedLanguage) {
			return types.ExecutionResult{}, types.NewError(types.ErrInvalidTask, "language not runnable on this backend").
				WithStage("submit").WithCause(err)
		}
		return types.ExecutionResult{}, types.NewError(types.ErrSandboxFailure, "payload submission failed").
			WithStage("submit").WithRetryable(true).WithCause(err)
	}
	_ = rec.Advance(ctx, trace.StageRunning, "")

	outcome, err := inst.Wait(ctx, time.Now().Add(budget.Timeout))
	if err != nil {
		// Wait kills the run before returning, but a run we did not observe
		// finish leaves the slot suspect: retire it.
		e.retire(ctx, inst, err)
		if ctx.Err() != nil {
			return types.ExecutionResult{}, cancelErr(ctx)
		}
		return types.ExecutionResult{}, types.NewError(types.ErrSandboxFailure, "run monitoring failed").
			WithStage("run").WithRetryable(true).WithCause(err)
	}

	if hostFailure(outcome) {
		e.retire(ctx, inst, errors.New("run finished without an exit status"))
		return types.ExecutionResult{}, types.NewError(types.ErrSandboxFailure, "sandbox lost the run").
			WithStage("run").WithRetryable(true)
	}

	e.pool.Release(ctx, inst, true)
	return resultFromOutcome(task.ID, outcome), nil
}

// acquireInstance leases a warm sandbox, retrying exhaustion and transient
// provisioning failures with jittered backoff. The task's wall-clock budget
// caps the total time spent waiting.
func (e *Engine) acquireInstance(ctx context.Context, timeout time.Duration) (*sandbox.Instance, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inst, err := retry.DoTyped(e.acquire, acquireCtx, func() (*sandbox.Instance, error) {
		return e.pool.Acquire(acquireCtx)
	})
	if err == nil {
		return inst, nil
	}
	if ctx.Err() != nil {
		return nil, cancelErr(ctx)
	}
	// The budget ran out while queued. Classify as exhaustion so the caller
	// reports pool_exhausted rather than a timeout of a run that never began.
	if errors.Is(err, context.DeadlineExceeded) && types.GetErrorCode(err) == "" {
		return nil, types.NewError(types.ErrPoolExhausted, "no sandbox became available within the task budget").
			WithStage("acquire").WithRetryable(true).WithCause(err)
	}
	if types.IsCode(err, types.ErrSandboxFailure) {
		return nil, types.NewError(types.ErrSandboxFailure, "sandbox provisioning failed").
			WithStage("acquire").WithRetryable(true).WithCause(err)
	}
	return nil, err
}

// retire hands a suspect instance back for teardown. Teardown must proceed
// even when the task's context is already cancelled.
func (e *Engine) retire(ctx context.Context, inst *sandbox.Instance, cause error) {
	inst.MarkFailed(cause)
	e.pool.Release(context.WithoutCancel(ctx), inst, false)
}

// finish writes the terminal trace stage and observability for a classified
// result.
func (e *Engine) finish(ctx context.Context, span oteltrace.Span, rec *trace.Recorder, task types.Task, res types.ExecutionResult) {
	_ = rec.Advance(context.WithoutCancel(ctx), terminalStage(res.Status), terminalNote(res))
	span.SetAttributes(
		attribute.String("task.status", string(res.Status)),
		attribute.Int("task.exit_code", res.ExitCode),
	)

	e.metrics.Execution(string(task.Payload.Language), string(res.Status), res.WallTime)
	if res.Status == types.StatusTimeout {
		e.metrics.Timeout()
	}

	e.logger.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("wall_time", res.WallTime))
}

// cancelErr normalizes a dead task context into the taxonomy. The task's own
// wall-clock budget is enforced through the run deadline, never the context,
// so a dead context always means the caller gave up.
func cancelErr(ctx context.Context) error {
	msg := "task cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "caller deadline exceeded"
	}
	return types.NewError(types.ErrCancelled, msg).WithCause(ctx.Err())
}

// hostFailure reports an outcome with no exit status and no recorded breach:
// the run vanished rather than finished, which indicts the slot itself.
func hostFailure(out *sandbox.Outcome) bool {
	return out.ExitCode < 0 && !out.TimedOut && !out.CPUExceeded && !out.MemoryExceeded
}

// resultFromOutcome folds a raw sandbox outcome into the closed result
// classification. Breach flags outrank the exit code: a run killed for its
// memory footprint reports RESOURCE_EXCEEDED no matter how it died.
func resultFromOutcome(taskID string, out *sandbox.Outcome) types.ExecutionResult {
	res := types.ExecutionResult{
		TaskID:          taskID,
		ExitCode:        out.ExitCode,
		Stdout:          out.Stdout,
		Stderr:          out.Stderr,
		Truncated:       out.Truncated,
		CPUTime:         out.CPUTime,
		PeakMemoryBytes: out.PeakMemoryBytes,
		WallTime:        out.WallTime,
		FinishedAt:      out.FinishedAt,
	}
	switch {
	case out.TimedOut:
		res.Status = types.StatusTimeout
	case out.MemoryExceeded:
		res.Status = types.StatusResourceExceeded
		res.Reason = types.ReasonMemoryExceeded
	case out.CPUExceeded:
		res.Status = types.StatusResourceExceeded
		res.Reason = types.ReasonCPUExceeded
	case out.ExitCode == 0:
		res.Status = types.StatusSuccess
	default:
		res.Status = types.StatusNonZeroExit
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now().UTC()
	}
	return res
}

// Blocked builds the terminal result of a task refused by the validator.
// Nothing was leased; the sandbox fields stay zero.
func Blocked(taskID string, findings []types.Finding) types.ExecutionResult {
	return types.ExecutionResult{
		TaskID:     taskID,
		Status:     types.StatusBlocked,
		ExitCode:   -1,
		Findings:   findings,
		FinishedAt: time.Now().UTC(),
	}
}

// refusedResult builds the terminal result of a task the core refused
// before, or without, observing a run.
func refusedResult(taskID string, status types.ExecutionStatus, reason string) types.ExecutionResult {
	return types.ExecutionResult{
		TaskID:     taskID,
		Status:     status,
		ExitCode:   -1,
		Reason:     reason,
		FinishedAt: time.Now().UTC(),
	}
}

// terminalStage maps a result classification onto the trace vocabulary:
// completed for runs that produced their own ending, failed for everything
// the core refused or cut short.
func terminalStage(status types.ExecutionStatus) trace.Stage {
	switch status {
	case types.StatusSuccess, types.StatusNonZeroExit:
		return trace.StageCompleted
	default:
		return trace.StageFailed
	}
}

func validationNote(findings []types.Finding) string {
	if len(findings) == 0 {
		return "clean"
	}
	return fmt.Sprintf("%d findings, max severity %s", len(findings), types.MaxSeverity(findings))
}

func terminalNote(res types.ExecutionResult) string {
	if res.Reason != "" {
		return fmt.Sprintf("%s: %s", res.Status, res.Reason)
	}
	return string(res.Status)
}
