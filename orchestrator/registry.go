package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/agent"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// entry pairs an agent with its registration order for tie-breaking.
type entry struct {
	agent *agent.Agent
	seq   uint64
}

// Registry maps capability tags to the agents serving them. Mutation goes
// through Register and Deregister only; routing reads take point-in-time
// snapshots under the read lock.
type Registry struct {
	mu        sync.RWMutex
	maxAgents int
	nextSeq   uint64
	agents    map[string]*entry                     // agent ID -> entry
	byName    map[string]string                     // agent name -> agent ID
	index     map[types.Capability]map[string]*entry // capability -> agent ID -> entry
	logger    *zap.Logger
}

// NewRegistry builds an empty registry. maxAgents <= 0 means unbounded.
func NewRegistry(maxAgents int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		maxAgents: maxAgents,
		agents:    make(map[string]*entry),
		byName:    make(map[string]string),
		index:     make(map[types.Capability]map[string]*entry),
		logger:    logger.Named("registry"),
	}
}

// Register activates an agent and indexes its capabilities. Names are
// unique so operators can address agents in logs and snapshots.
func (r *Registry) Register(a *agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		return types.NewError(types.ErrRegistryFull, "agent registry at capacity")
	}
	if _, dup := r.agents[a.ID()]; dup {
		return types.NewError(types.ErrAgentExists, "agent already registered")
	}
	if _, dup := r.byName[a.Name()]; dup {
		return types.NewError(types.ErrAgentExists, "agent name already registered")
	}
	if err := a.Tracker().Activate(); err != nil {
		return types.NewError(types.ErrInvalidTransition, "agent cannot activate").WithCause(err)
	}

	e := &entry{agent: a, seq: r.nextSeq}
	r.nextSeq++
	r.agents[a.ID()] = e
	r.byName[a.Name()] = a.ID()
	for _, c := range a.Capabilities() {
		bucket, ok := r.index[c]
		if !ok {
			bucket = make(map[string]*entry)
			r.index[c] = bucket
		}
		bucket[a.ID()] = e
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", a.ID()),
		zap.String("agent", a.Name()),
		zap.Int("capabilities", len(a.Capabilities())))
	return nil
}

// Deregister removes an agent from routing entirely.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return types.NewError(types.ErrAgentNotFound, "agent not registered")
	}

	delete(r.agents, agentID)
	delete(r.byName, e.agent.Name())
	for _, c := range e.agent.Capabilities() {
		if bucket, ok := r.index[c]; ok {
			delete(bucket, agentID)
			if len(bucket) == 0 {
				delete(r.index, c)
			}
		}
	}
	e.agent.Tracker().Deregister()

	r.logger.Info("agent deregistered",
		zap.String("agent_id", agentID),
		zap.String("agent", e.agent.Name()))
	return nil
}

// Get returns a registered agent by ID.
func (r *Registry) Get(agentID string) (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// Serves reports whether any registered agent carries the capability,
// regardless of its current health.
func (r *Registry) Serves(cap types.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index[cap]) > 0
}

// Select picks the least-loaded HEALTHY agent serving the capability,
// falling back to DEGRADED when no healthy one exists. Ties break toward
// the earliest registration. UNAVAILABLE agents never route.
func (r *Registry) Select(cap types.Capability) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.index[cap]
	if len(bucket) == 0 {
		return nil, types.NewError(types.ErrNoCapableAgent, "no registered agent serves capability").
			WithStage("route")
	}

	var healthy, degraded *entry
	for _, e := range bucket {
		switch e.agent.Health() {
		case agent.HealthHealthy:
			healthy = better(healthy, e)
		case agent.HealthDegraded:
			degraded = better(degraded, e)
		}
	}

	if healthy != nil {
		return healthy.agent, nil
	}
	if degraded != nil {
		return degraded.agent, nil
	}
	return nil, types.NewError(types.ErrNoCapableAgent, "every agent serving capability is unavailable").
		WithStage("route")
}

// better keeps the lower-loaded entry, breaking ties toward the earlier
// registration.
func better(cur, cand *entry) *entry {
	if cur == nil {
		return cand
	}
	curLoad, candLoad := cur.agent.Load(), cand.agent.Load()
	if candLoad < curLoad || (candLoad == curLoad && cand.seq < cur.seq) {
		return cand
	}
	return cur
}

// Agents snapshots every registered agent in registration order.
func (r *Registry) Agents() []agent.Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].seq < entries[j-1].seq; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	infos := make([]agent.Info, len(entries))
	for i, e := range entries {
		infos[i] = e.agent.Info()
	}
	return infos
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
