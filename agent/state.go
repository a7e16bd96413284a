package agent

import (
	"fmt"
	"sync"
)

// Health is one step of an agent's availability lifecycle.
type Health string

const (
	HealthUnregistered Health = "UNREGISTERED"
	HealthHealthy      Health = "HEALTHY"
	HealthDegraded     Health = "DEGRADED"
	HealthUnavailable  Health = "UNAVAILABLE"
)

// validHealthTransitions defines the legal moves. UNAVAILABLE only leaves
// through a probe restore or deregistration.
var validHealthTransitions = map[Health][]Health{
	HealthUnregistered: {HealthHealthy},
	HealthHealthy:      {HealthDegraded, HealthUnavailable, HealthUnregistered},
	HealthDegraded:     {HealthHealthy, HealthUnavailable, HealthUnregistered},
	HealthUnavailable:  {HealthHealthy, HealthUnregistered},
}

// CanTransition reports whether moving from one health state to another is
// legal.
func CanTransition(from, to Health) bool {
	allowed, ok := validHealthTransitions[from]
	if !ok {
		return false
	}
	for _, h := range allowed {
		if h == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition reports an illegal health move.
type ErrInvalidTransition struct {
	From Health
	To   Health
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid agent health transition: %s -> %s", e.From, e.To)
}

// Default consecutive-failure thresholds.
const (
	defaultDegradedAfter    = 3
	defaultUnavailableAfter = 6
)

// Tracker folds task endings into a health state using consecutive-failure
// thresholds. Failures accumulate; one success from DEGRADED restores
// HEALTHY; UNAVAILABLE holds until Restore.
type Tracker struct {
	mu            sync.Mutex
	health        Health
	consecFails   int
	degradedAt    int
	unavailableAt int
}

// NewTracker builds a tracker in the UNREGISTERED state. Zero thresholds take
// the defaults; an unavailable threshold at or below the degraded one is
// widened past it.
func NewTracker(degradedAfter, unavailableAfter int) *Tracker {
	if degradedAfter <= 0 {
		degradedAfter = defaultDegradedAfter
	}
	if unavailableAfter <= degradedAfter {
		unavailableAfter = degradedAfter * 2
	}
	return &Tracker{
		health:        HealthUnregistered,
		degradedAt:    degradedAfter,
		unavailableAt: unavailableAfter,
	}
}

// Health returns the current state.
func (t *Tracker) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// ConsecutiveFailures returns the current failure streak.
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecFails
}

// Activate moves a freshly registered agent into rotation.
func (t *Tracker) Activate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.health, HealthHealthy) {
		return ErrInvalidTransition{From: t.health, To: HealthHealthy}
	}
	t.health = HealthHealthy
	t.consecFails = 0
	return nil
}

// Deregister takes the agent out of the lifecycle entirely.
func (t *Tracker) Deregister() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health = HealthUnregistered
	t.consecFails = 0
}

// Observe folds one task ending into the state and returns the states before
// and after, equal when nothing changed.
func (t *Tracker) Observe(ok bool) (from, to Health) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from = t.health

	if ok {
		t.consecFails = 0
		if t.health == HealthDegraded {
			t.health = HealthHealthy
		}
		return from, t.health
	}

	t.consecFails++
	switch {
	case t.consecFails >= t.unavailableAt &&
		(t.health == HealthHealthy || t.health == HealthDegraded):
		t.health = HealthUnavailable
	case t.consecFails >= t.degradedAt && t.health == HealthHealthy:
		t.health = HealthDegraded
	}
	return from, t.health
}

// Restore is the probe's recovery path out of UNAVAILABLE. It reports the
// states before and after; calling it in any other state changes nothing.
func (t *Tracker) Restore() (from, to Health) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from = t.health
	if t.health == HealthUnavailable {
		t.health = HealthHealthy
		t.consecFails = 0
	}
	return from, t.health
}
