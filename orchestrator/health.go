package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/agent"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/metrics"
)

// ProbeFunc checks whether an UNAVAILABLE agent can return to rotation. A
// nil error restores it to HEALTHY.
type ProbeFunc func(ctx context.Context, a *agent.Agent) error

// Prober periodically re-examines agents the failure thresholds took out
// of routing. The default probe restores unconditionally: in-process
// agents have no transport to check, so a cool-down interval is the
// recovery signal. Deployments with real backends install their own probe.
type Prober struct {
	registry *Registry
	interval time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu      sync.Mutex
	probe   ProbeFunc
	started bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProber builds a prober over the registry.
func NewProber(reg *Registry, interval time.Duration, collector *metrics.Collector, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		registry: reg,
		interval: interval,
		metrics:  collector,
		logger:   logger.Named("prober"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetProbe replaces the recovery probe. Safe to call before Start.
func (p *Prober) SetProbe(probe ProbeFunc) {
	p.mu.Lock()
	p.probe = probe
	p.mu.Unlock()
}

// Start launches the probe loop.
func (p *Prober) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.loop()
}

// Stop ends the probe loop and waits for it to exit. Stopping a prober
// that never started is a no-op.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

func (p *Prober) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			p.probeOnce(ctx)
			cancel()
		}
	}
}

// probeOnce examines every UNAVAILABLE agent and restores the ones that
// pass the probe.
func (p *Prober) probeOnce(ctx context.Context) {
	for _, info := range p.registry.Agents() {
		if info.Health != agent.HealthUnavailable {
			continue
		}
		a, ok := p.registry.Get(info.ID)
		if !ok {
			continue
		}

		p.mu.Lock()
		probe := p.probe
		p.mu.Unlock()

		if probe != nil {
			if err := probe(ctx, a); err != nil {
				p.logger.Debug("agent probe failed",
					zap.String("agent", info.Name),
					zap.Error(err))
				continue
			}
		}

		from, to := a.Tracker().Restore()
		if from != to {
			p.metrics.AgentTransition(info.Name, string(from), string(to))
			p.logger.Info("agent restored to rotation",
				zap.String("agent", info.Name))
		}
	}
}
