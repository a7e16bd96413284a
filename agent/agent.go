package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vorrawut/DebuggyDuckyMCP/internal/ctxkeys"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// Handler is the work contract every agent variant implements.
type Handler interface {
	// Capabilities lists the tags the handler accepts work for.
	Capabilities() []types.Capability

	// Handle processes one task to a terminal result. Implementations return
	// an error only for unclassifiable endings; refused and failed runs are
	// expressed in the result itself.
	Handle(ctx context.Context, task types.Task) (types.ExecutionResult, error)
}

// Config tunes one agent.
type Config struct {
	// Name labels the agent in logs and snapshots. Required.
	Name string

	// MaxConcurrency caps simultaneous Handle calls. Zero means 4.
	MaxConcurrency int

	// DegradedAfter is the consecutive-failure count that degrades health.
	DegradedAfter int

	// UnavailableAfter is the consecutive-failure count that removes the
	// agent from routing. Must exceed DegradedAfter when set.
	UnavailableAfter int

	// OnHealthChange, when set, observes every health transition.
	OnHealthChange func(from, to Health)
}

const defaultMaxConcurrency = 4

// ewmaAlpha weights the latest latency sample in the moving average.
const ewmaAlpha = 0.1

// Agent wraps a Handler with identity, a concurrency gate, health tracking,
// and the accounting least-loaded routing reads. One Agent serves many tasks
// concurrently up to its cap.
type Agent struct {
	id             string
	name           string
	handler        Handler
	caps           []types.Capability
	capSet         map[types.Capability]struct{}
	sem            *semaphore.Weighted
	maxConc        int
	health         *Tracker
	onHealthChange func(from, to Health)
	logger         *zap.Logger

	mu         sync.Mutex
	inflight   int
	total      int64
	succeeded  int64
	emaLatency time.Duration
	lastActive time.Time
}

// New builds an agent around a handler. The agent starts UNREGISTERED; the
// registry activates it.
func New(cfg Config, handler Handler, logger *zap.Logger) (*Agent, error) {
	if handler == nil {
		return nil, errors.New("agent: nil handler")
	}
	if cfg.Name == "" {
		return nil, errors.New("agent: name required")
	}
	caps := handler.Capabilities()
	if len(caps) == 0 {
		return nil, errors.New("agent: handler declares no capabilities")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	capSet := make(map[types.Capability]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}

	return &Agent{
		id:             uuid.NewString(),
		name:           cfg.Name,
		handler:        handler,
		caps:           append([]types.Capability(nil), caps...),
		capSet:         capSet,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		maxConc:        cfg.MaxConcurrency,
		health:         NewTracker(cfg.DegradedAfter, cfg.UnavailableAfter),
		onHealthChange: cfg.OnHealthChange,
		logger:         logger.Named("agent").With(zap.String("agent", cfg.Name)),
	}, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Name returns the agent's label.
func (a *Agent) Name() string { return a.name }

// Capabilities returns the accepted tags in declaration order.
func (a *Agent) Capabilities() []types.Capability {
	return append([]types.Capability(nil), a.caps...)
}

// CanHandle reports whether the agent accepts work tagged with cap.
func (a *Agent) CanHandle(cap types.Capability) bool {
	_, ok := a.capSet[cap]
	return ok
}

// Health returns the current health state.
func (a *Agent) Health() Health { return a.health.Health() }

// Tracker exposes the health tracker for registration and probing.
func (a *Agent) Tracker() *Tracker { return a.health }

// Load returns the number of Handle calls in flight, the signal least-loaded
// routing compares.
func (a *Agent) Load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight
}

// MaxConcurrency returns the configured cap on simultaneous Handle calls.
func (a *Agent) MaxConcurrency() int { return a.maxConc }

// Execute runs one task under the concurrency gate. A saturated agent blocks
// the caller until a slot frees or ctx dies.
func (a *Agent) Execute(ctx context.Context, task types.Task) (types.ExecutionResult, error) {
	if !a.CanHandle(task.Capability) {
		return types.ExecutionResult{}, types.NewError(types.ErrNoCapableAgent,
			"task capability not served by this agent").WithStage("dispatch")
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return types.ExecutionResult{}, types.NewError(types.ErrCancelled,
			"task gave up waiting for an agent slot").WithCause(err)
	}
	defer a.sem.Release(1)

	a.begin()
	started := time.Now()
	res, err := a.handler.Handle(ctxkeys.WithAgentID(ctx, a.id), task)
	a.end(time.Since(started), err)
	return res, err
}

func (a *Agent) begin() {
	a.mu.Lock()
	a.inflight++
	a.lastActive = time.Now().UTC()
	a.mu.Unlock()
}

// end folds one finished call into the running statistics. Cancellations
// count toward neither health column: the caller walked away.
func (a *Agent) end(elapsed time.Duration, err error) {
	ok := err == nil

	a.mu.Lock()
	a.inflight--
	a.total++
	if ok {
		a.succeeded++
		if a.emaLatency == 0 {
			a.emaLatency = elapsed
		} else {
			a.emaLatency += time.Duration(ewmaAlpha * float64(elapsed-a.emaLatency))
		}
	}
	a.lastActive = time.Now().UTC()
	a.mu.Unlock()

	if types.IsCode(err, types.ErrCancelled) {
		return
	}
	from, to := a.health.Observe(ok)
	if from != to {
		a.logger.Info("agent health changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("consecutive_failures", a.health.ConsecutiveFailures()))
		if a.onHealthChange != nil {
			a.onHealthChange(from, to)
		}
	}
}

// Info is a point-in-time snapshot for routing decisions and stats surfaces.
type Info struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Capabilities   []types.Capability `json:"capabilities"`
	Health         Health             `json:"health"`
	Inflight       int                `json:"inflight"`
	MaxConcurrency int                `json:"max_concurrency"`
	TotalTasks     int64              `json:"total_tasks"`
	SucceededTasks int64              `json:"succeeded_tasks"`
	SuccessRate    float64            `json:"success_rate"`
	EMALatency     time.Duration      `json:"ema_latency"`
	LastActive     time.Time          `json:"last_active,omitzero"`
}

// Info snapshots the agent.
func (a *Agent) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()

	rate := 0.0
	if a.total > 0 {
		rate = float64(a.succeeded) / float64(a.total)
	}
	return Info{
		ID:             a.id,
		Name:           a.name,
		Capabilities:   append([]types.Capability(nil), a.caps...),
		Health:         a.health.Health(),
		Inflight:       a.inflight,
		MaxConcurrency: a.maxConc,
		TotalTasks:     a.total,
		SucceededTasks: a.succeeded,
		SuccessRate:    rate,
		EMALatency:     a.emaLatency,
		LastActive:     a.lastActive,
	}
}
