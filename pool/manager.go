package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/sandbox"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// warmTimeout bounds a single background provisioning attempt. Container
// image pulls dominate this in practice.
const warmTimeout = 60 * time.Second

// Config tunes the pool.
type Config struct {
	// MaxInstances is the hard ceiling on live sandboxes.
	MaxInstances int `json:"max_instances"`

	// TargetIdle is how many warm idle instances the maintenance loop
	// keeps ready.
	TargetIdle int `json:"target_idle"`

	// AcquireTimeout bounds how long Acquire waits for a free instance.
	AcquireTimeout time.Duration `json:"acquire_timeout"`

	// MaxUses retires an instance after this many leases.
	MaxUses int `json:"max_uses"`

	// MaxLifetime retires an instance this long after creation.
	MaxLifetime time.Duration `json:"max_lifetime"`

	// MaintenanceInterval is the period of the warm/reap loop.
	MaintenanceInterval time.Duration `json:"maintenance_interval"`

	// Limits is the resource ceiling installed on every created slot.
	Limits sandbox.Limits `json:"-"`

	// OnStats, when set, receives a pool snapshot on every maintenance
	// tick. Used to publish the pool gauges.
	OnStats func(Stats) `json:"-"`
}

// DefaultConfig returns the pool tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxInstances:        10,
		TargetIdle:          2,
		AcquireTimeout:      5 * time.Second,
		MaxUses:             64,
		MaxLifetime:         time.Hour,
		MaintenanceInterval: 30 * time.Second,
	}
}

// Manager owns every sandbox instance in the process. It never exceeds
// MaxInstances live instances; leases are exclusive; released instances are
// recycled until they expire or fail, then destroyed and replaced.
type Manager struct {
	cfg     Config
	backend sandbox.Backend
	logger  *zap.Logger

	mu        sync.Mutex
	instances map[string]*sandbox.Instance
	idle      []*sandbox.Instance
	waiters   *list.List // of chan *sandbox.Instance
	closed    bool
	done      chan struct{}

	// Metrics
	acquires atomic.Int64
	timeouts atomic.Int64
	recycles atomic.Int64
	retires  atomic.Int64
	warmups  atomic.Int64
}

// New creates the pool and starts its maintenance loop. The warm set fills
// in the background; Acquire works immediately either way.
func New(cfg Config, backend sandbox.Backend, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = def.MaxInstances
	}
	if cfg.TargetIdle < 0 {
		cfg.TargetIdle = 0
	}
	if cfg.TargetIdle > cfg.MaxInstances {
		cfg.TargetIdle = cfg.MaxInstances
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = def.MaxUses
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}

	m := &Manager{
		cfg:       cfg,
		backend:   backend,
		logger:    logger.With(zap.String("component", "sandbox_pool")),
		instances: make(map[string]*sandbox.Instance),
		waiters:   list.New(),
		done:      make(chan struct{}),
	}
	m.ensureWarm()
	m.publishStats()
	go m.maintain()

	m.logger.Info("sandbox pool started",
		zap.String("backend", backend.Name()),
		zap.Int("max_instances", cfg.MaxInstances),
		zap.Int("target_idle", cfg.TargetIdle),
		zap.Duration("acquire_timeout", cfg.AcquireTimeout))
	return m
}

// Acquire hands out an exclusive leased instance. It prefers a warm idle
// one, creates a new one when under the ceiling, and otherwise waits up to
// AcquireTimeout before failing with POOL_EXHAUSTED.
func (m *Manager) Acquire(ctx context.Context) (*sandbox.Instance, error) {
	m.acquires.Add(1)
	deadline := time.Now().Add(m.cfg.AcquireTimeout)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrShuttingDown, "pool is shutting down")
	}

	// Warm idle instance available.
	for len(m.idle) > 0 {
		inst := m.idle[len(m.idle)-1]
		m.idle = m.idle[:len(m.idle)-1]
		if m.expired(inst) {
			m.retireLocked(inst)
			continue
		}
		if err := inst.Lease(); err != nil {
			m.retireLocked(inst)
			continue
		}
		m.mu.Unlock()
		return inst, nil
	}

	// Room to grow: provision synchronously, caller pays the warm cost.
	if len(m.instances) < m.cfg.MaxInstances {
		inst := sandbox.NewInstance(m.backend, m.cfg.Limits)
		m.instances[inst.ID()] = inst
		m.mu.Unlock()

		warmCtx, cancel := context.WithDeadline(ctx, deadline)
		err := inst.Warm(warmCtx)
		cancel()
		if err != nil {
			m.unregister(inst)
			if errors.Is(err, context.DeadlineExceeded) {
				m.timeouts.Add(1)
				return nil, types.NewError(types.ErrPoolExhausted, "sandbox provisioning exceeded acquire timeout").
					WithRetryable(true)
			}
			return nil, types.NewError(types.ErrSandboxFailure, "sandbox provisioning failed").
				WithCause(err).WithRetryable(true)
		}
		if err := inst.Lease(); err != nil {
			m.unregister(inst)
			return nil, types.NewError(types.ErrInternal, "fresh instance not leasable").WithCause(err)
		}
		return inst, nil
	}

	// Full: wait for a release or a replacement warm-up.
	w := make(chan *sandbox.Instance, 1)
	elem := m.waiters.PushBack(w)
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case inst, ok := <-w:
		if !ok {
			return nil, types.NewError(types.ErrShuttingDown, "pool is shutting down")
		}
		return inst, nil
	case <-timer.C:
		m.cancelWaiter(elem, w)
		m.timeouts.Add(1)
		return nil, types.NewError(types.ErrPoolExhausted, "no sandbox available within acquire timeout").
			WithRetryable(true)
	case <-ctx.Done():
		m.cancelWaiter(elem, w)
		return nil, ctx.Err()
	}
}

// Release returns a leased instance to the pool. Unhealthy, failed, or
// expired instances are destroyed and, when someone is waiting, replaced.
func (m *Manager) Release(ctx context.Context, inst *sandbox.Instance, healthy bool) {
	if inst == nil {
		return
	}
	if !healthy || inst.LastErr() != nil || m.expiredNow(inst) {
		m.retire(ctx, inst)
		m.replaceForWaiters()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.destroy(inst)
		return
	}
	if err := inst.Release(); err != nil {
		m.mu.Unlock()
		m.retire(ctx, inst)
		return
	}
	if w := m.popWaiterLocked(); w != nil {
		if err := inst.Lease(); err == nil {
			w <- inst
			m.mu.Unlock()
			m.recycles.Add(1)
			return
		}
	}
	m.idle = append(m.idle, inst)
	m.mu.Unlock()
	m.recycles.Add(1)
}

// Evict force-retires a specific instance, replacing it if anyone waits.
func (m *Manager) Evict(ctx context.Context, inst *sandbox.Instance) {
	m.mu.Lock()
	m.removeIdleLocked(inst)
	m.mu.Unlock()
	m.retire(ctx, inst)
	m.replaceForWaiters()
}

// Close drains the pool: waiters fail fast, idle instances die now, leased
// ones die as they are released. ctx bounds the wait for stragglers.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	for e := m.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan *sandbox.Instance))
	}
	m.waiters.Init()
	idle := m.idle
	m.idle = nil
	m.mu.Unlock()

	for _, inst := range idle {
		m.destroy(inst)
	}

	for {
		m.mu.Lock()
		remaining := len(m.instances)
		m.mu.Unlock()
		if remaining == 0 {
			m.logger.Info("sandbox pool closed")
			return nil
		}
		select {
		case <-ctx.Done():
			m.mu.Lock()
			stragglers := make([]*sandbox.Instance, 0, len(m.instances))
			for _, inst := range m.instances {
				stragglers = append(stragglers, inst)
			}
			m.mu.Unlock()
			for _, inst := range stragglers {
				m.destroy(inst)
			}
			m.logger.Warn("sandbox pool closed forcibly", zap.Int("killed", len(stragglers)))
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Stats snapshots the pool for metrics and the ops endpoints.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Live:     len(m.instances),
		Idle:     len(m.idle),
		Waiting:  m.waiters.Len(),
		Capacity: m.cfg.MaxInstances,
	}
	for _, inst := range m.instances {
		switch inst.State() {
		case sandbox.StateLeased:
			s.Leased++
		case sandbox.StateWarming, sandbox.StateCold:
			s.Warming++
		}
	}
	m.mu.Unlock()

	s.Acquires = m.acquires.Load()
	s.Timeouts = m.timeouts.Load()
	s.Recycles = m.recycles.Load()
	s.Retires = m.retires.Load()
	s.Warmups = m.warmups.Load()
	return s
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Live     int   `json:"live"`
	Idle     int   `json:"idle"`
	Leased   int   `json:"leased"`
	Warming  int   `json:"warming"`
	Waiting  int   `json:"waiting"`
	Capacity int   `json:"capacity"`
	Acquires int64 `json:"acquires"`
	Timeouts int64 `json:"timeouts"`
	Recycles int64 `json:"recycles"`
	Retires  int64 `json:"retires"`
	Warmups  int64 `json:"warmups"`
}

// Instances lists snapshots of every live instance.
func (m *Manager) Instances() []sandbox.InstanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sandbox.InstanceInfo, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Info())
	}
	return out
}

func (m *Manager) maintain() {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.reapExpired()
			m.ensureWarm()
			m.publishStats()
		}
	}
}

func (m *Manager) publishStats() {
	if m.cfg.OnStats != nil {
		m.cfg.OnStats(m.Stats())
	}
}

// reapExpired retires idle instances past their use or lifetime ceiling and
// forgets dead ones.
func (m *Manager) reapExpired() {
	m.mu.Lock()
	var expired []*sandbox.Instance
	keep := m.idle[:0]
	for _, inst := range m.idle {
		if m.expired(inst) {
			expired = append(expired, inst)
			continue
		}
		keep = append(keep, inst)
	}
	m.idle = keep
	for id, inst := range m.instances {
		if inst.State() == sandbox.StateDead {
			delete(m.instances, id)
		}
	}
	m.mu.Unlock()

	for _, inst := range expired {
		m.retire(context.Background(), inst)
	}
}

// ensureWarm tops the idle set back up to TargetIdle, respecting the
// instance ceiling.
func (m *Manager) ensureWarm() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	incoming := 0
	for _, inst := range m.instances {
		switch inst.State() {
		case sandbox.StateCold, sandbox.StateWarming:
			incoming++
		}
	}
	deficit := m.cfg.TargetIdle - len(m.idle) - incoming
	room := m.cfg.MaxInstances - len(m.instances)
	if deficit > room {
		deficit = room
	}
	var spawned []*sandbox.Instance
	for i := 0; i < deficit; i++ {
		inst := sandbox.NewInstance(m.backend, m.cfg.Limits)
		m.instances[inst.ID()] = inst
		spawned = append(spawned, inst)
	}
	m.mu.Unlock()

	for _, inst := range spawned {
		go m.warmAndPark(inst)
	}
}

// warmAndPark provisions a background instance, then hands it to a waiter
// or parks it idle.
func (m *Manager) warmAndPark(inst *sandbox.Instance) {
	m.warmups.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()

	if err := inst.Warm(ctx); err != nil {
		m.logger.Warn("sandbox warmup failed", zap.Error(err))
		m.unregister(inst)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.destroy(inst)
		return
	}
	if w := m.popWaiterLocked(); w != nil {
		if err := inst.Lease(); err == nil {
			w <- inst
			m.mu.Unlock()
			return
		}
	}
	m.idle = append(m.idle, inst)
	m.mu.Unlock()
}

// replaceForWaiters spawns a replacement warm-up when capacity frees while
// someone is queued, so retires cannot starve the wait line.
func (m *Manager) replaceForWaiters() {
	m.mu.Lock()
	if m.closed || m.waiters.Len() == 0 || len(m.instances) >= m.cfg.MaxInstances {
		m.mu.Unlock()
		return
	}
	inst := sandbox.NewInstance(m.backend, m.cfg.Limits)
	m.instances[inst.ID()] = inst
	m.mu.Unlock()
	go m.warmAndPark(inst)
}

func (m *Manager) popWaiterLocked() chan *sandbox.Instance {
	e := m.waiters.Front()
	if e == nil {
		return nil
	}
	m.waiters.Remove(e)
	return e.Value.(chan *sandbox.Instance)
}

// cancelWaiter removes a waiter after a timeout or cancellation. If a
// releaser won the race and already delivered, the instance goes back.
func (m *Manager) cancelWaiter(elem *list.Element, w chan *sandbox.Instance) {
	m.mu.Lock()
	m.waiters.Remove(elem)
	m.mu.Unlock()
	select {
	case inst, ok := <-w:
		if ok && inst != nil {
			m.Release(context.Background(), inst, true)
		}
	default:
	}
}

// expired reports whether an instance is past its use or lifetime ceiling.
// Callers hold m.mu.
func (m *Manager) expired(inst *sandbox.Instance) bool {
	if inst.UseCount() >= m.cfg.MaxUses {
		return true
	}
	return time.Since(inst.CreatedAt()) >= m.cfg.MaxLifetime
}

func (m *Manager) expiredNow(inst *sandbox.Instance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired(inst)
}

// retire drains and destroys an instance.
func (m *Manager) retire(ctx context.Context, inst *sandbox.Instance) {
	m.retires.Add(1)
	_ = inst.Drain()
	if err := inst.Kill(ctx); err != nil {
		m.logger.Warn("sandbox teardown failed",
			zap.String("instance", inst.ID()), zap.Error(err))
	}
	m.unregister(inst)
}

func (m *Manager) retireLocked(inst *sandbox.Instance) {
	m.retires.Add(1)
	_ = inst.Drain()
	delete(m.instances, inst.ID())
	go func() {
		if err := inst.Kill(context.Background()); err != nil {
			m.logger.Warn("sandbox teardown failed",
				zap.String("instance", inst.ID()), zap.Error(err))
		}
	}()
}

func (m *Manager) destroy(inst *sandbox.Instance) {
	_ = inst.Kill(context.Background())
	m.unregister(inst)
}

func (m *Manager) unregister(inst *sandbox.Instance) {
	m.mu.Lock()
	delete(m.instances, inst.ID())
	m.removeIdleLocked(inst)
	m.mu.Unlock()
}

func (m *Manager) removeIdleLocked(inst *sandbox.Instance) {
	for i, candidate := range m.idle {
		if candidate == inst {
			m.idle = append(m.idle[:i], m.idle[i+1:]...)
			return
		}
	}
}
