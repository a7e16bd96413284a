package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// InstanceState is one step of the sandbox lifecycle.
type InstanceState string

const (
	StateCold     InstanceState = "cold"     // allocated, no backing sandbox yet
	StateWarming  InstanceState = "warming"  // backend provisioning in flight
	StateIdle     InstanceState = "idle"     // ready to be leased
	StateLeased   InstanceState = "leased"   // exclusively held by one execution
	StateDraining InstanceState = "draining" // removed from circulation, finishing up
	StateDead     InstanceState = "dead"     // torn down
)

// validTransitions defines the legal lifecycle moves.
var validTransitions = map[InstanceState][]InstanceState{
	StateCold:     {StateWarming, StateDead},
	StateWarming:  {StateIdle, StateDead},
	StateIdle:     {StateLeased, StateDraining, StateDead},
	StateLeased:   {StateIdle, StateDraining, StateDead},
	StateDraining: {StateDead},
	StateDead:     {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to InstanceState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition reports an illegal lifecycle move.
type ErrInvalidTransition struct {
	From InstanceState
	To   InstanceState
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid sandbox state transition: %s -> %s", e.From, e.To)
}

// ErrNotLeased is returned when a run operation hits an instance that is not
// exclusively held.
var ErrNotLeased = fmt.Errorf("sandbox: instance is not leased")

// Instance wraps one backend slot with lifecycle state, use accounting, and
// the last failure seen. The pool owns instances; the engine only ever sees
// a leased one.
type Instance struct {
	id        string
	backend   Backend
	limits    Limits
	createdAt time.Time

	mu       sync.Mutex
	handle   Handle
	state    InstanceState
	useCount int
	lastUsed time.Time
	lastErr  error
}

// NewInstance allocates a cold instance bound to a backend. Warm must be
// called before the instance can be leased.
func NewInstance(backend Backend, limits Limits) *Instance {
	return &Instance{
		id:        uuid.NewString(),
		backend:   backend,
		limits:    limits,
		createdAt: time.Now().UTC(),
		state:     StateCold,
	}
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// CreatedAt returns the allocation time.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// State returns the current lifecycle state.
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// UseCount returns how many times the instance has been leased.
func (i *Instance) UseCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.useCount
}

// LastUsed returns when the instance was last leased.
func (i *Instance) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

// LastErr returns the most recent failure recorded against the instance.
func (i *Instance) LastErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// MarkFailed records a failure so the pool can retire the instance instead
// of recycling it.
func (i *Instance) MarkFailed(err error) {
	i.mu.Lock()
	i.lastErr = err
	i.mu.Unlock()
}

func (i *Instance) transition(to InstanceState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transitionLocked(to)
}

func (i *Instance) transitionLocked(to InstanceState) error {
	if !CanTransition(i.state, to) {
		return ErrInvalidTransition{From: i.state, To: to}
	}
	i.state = to
	return nil
}

// Warm provisions the backing sandbox slot and readies the instance for
// leasing. A provisioning failure leaves the instance dead with the error
// recorded.
func (i *Instance) Warm(ctx context.Context) error {
	if err := i.transition(StateWarming); err != nil {
		return err
	}
	h, err := i.backend.Create(ctx, i.limits)
	if err != nil {
		i.mu.Lock()
		i.state = StateDead
		i.lastErr = err
		i.mu.Unlock()
		return err
	}
	i.mu.Lock()
	i.handle = h
	i.state = StateIdle
	i.mu.Unlock()
	return nil
}

// Lease marks the instance as exclusively held by one execution and bumps
// its use count.
func (i *Instance) Lease() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateLeased); err != nil {
		return err
	}
	i.useCount++
	i.lastUsed = time.Now().UTC()
	return nil
}

// Release returns a leased instance to the idle set.
func (i *Instance) Release() error {
	return i.transition(StateIdle)
}

// Drain removes the instance from circulation ahead of teardown.
func (i *Instance) Drain() error {
	return i.transition(StateDraining)
}

// Kill tears down the backing slot and marks the instance dead. Killing a
// dead instance is a no-op.
func (i *Instance) Kill(ctx context.Context) error {
	i.mu.Lock()
	if i.state == StateDead {
		i.mu.Unlock()
		return nil
	}
	i.state = StateDead
	h := i.handle
	i.handle = ""
	i.mu.Unlock()

	if h == "" {
		return nil
	}
	return i.backend.Destroy(ctx, h)
}

// Submit forwards a payload to the backing slot. The instance must be
// leased.
func (i *Instance) Submit(ctx context.Context, payload types.Payload) error {
	h, err := i.leasedHandle()
	if err != nil {
		return err
	}
	return i.backend.Submit(ctx, h, payload)
}

// Wait blocks on the active run of the backing slot. The instance must be
// leased.
func (i *Instance) Wait(ctx context.Context, deadline time.Time) (*Outcome, error) {
	h, err := i.leasedHandle()
	if err != nil {
		return nil, err
	}
	return i.backend.Wait(ctx, h, deadline)
}

// Terminate kills the active run without giving up the lease.
func (i *Instance) Terminate(ctx context.Context) error {
	h, err := i.leasedHandle()
	if err != nil {
		return err
	}
	return i.backend.Terminate(ctx, h)
}

func (i *Instance) leasedHandle() (Handle, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateLeased {
		return "", ErrNotLeased
	}
	return i.handle, nil
}

// InstanceInfo is a point-in-time snapshot for observability.
type InstanceInfo struct {
	ID        string        `json:"id"`
	State     InstanceState `json:"state"`
	UseCount  int           `json:"use_count"`
	CreatedAt time.Time     `json:"created_at"`
	LastUsed  time.Time     `json:"last_used,omitempty"`
}

// Info snapshots the instance for stats endpoints and logs.
func (i *Instance) Info() InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	return InstanceInfo{
		ID:        i.id,
		State:     i.state,
		UseCount:  i.useCount,
		CreatedAt: i.createdAt,
		LastUsed:  i.lastUsed,
	}
}
