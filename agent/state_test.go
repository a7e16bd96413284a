package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Health
		ok       bool
	}{
		{HealthUnregistered, HealthHealthy, true},
		{HealthUnregistered, HealthDegraded, false},
		{HealthHealthy, HealthDegraded, true},
		{HealthHealthy, HealthUnavailable, true},
		{HealthDegraded, HealthHealthy, true},
		{HealthDegraded, HealthUnavailable, true},
		{HealthUnavailable, HealthHealthy, true},
		{HealthUnavailable, HealthDegraded, false},
		{HealthHealthy, HealthUnregistered, true},
		{Health("bogus"), HealthHealthy, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTracker_DegradesThenUnavailable(t *testing.T) {
	tr := NewTracker(2, 4)
	require.NoError(t, tr.Activate())

	tr.Observe(false)
	assert.Equal(t, HealthHealthy, tr.Health())

	from, to := tr.Observe(false)
	assert.Equal(t, HealthHealthy, from)
	assert.Equal(t, HealthDegraded, to)

	tr.Observe(false)
	assert.Equal(t, HealthDegraded, tr.Health())

	_, to = tr.Observe(false)
	assert.Equal(t, HealthUnavailable, to)
	assert.Equal(t, 4, tr.ConsecutiveFailures())
}

func TestTracker_SuccessFromDegradedRestoresHealthy(t *testing.T) {
	tr := NewTracker(2, 4)
	require.NoError(t, tr.Activate())

	tr.Observe(false)
	tr.Observe(false)
	require.Equal(t, HealthDegraded, tr.Health())

	from, to := tr.Observe(true)
	assert.Equal(t, HealthDegraded, from)
	assert.Equal(t, HealthHealthy, to)
	assert.Zero(t, tr.ConsecutiveFailures())
}

func TestTracker_SuccessDoesNotLeaveUnavailable(t *testing.T) {
	tr := NewTracker(1, 2)
	require.NoError(t, tr.Activate())

	tr.Observe(false)
	tr.Observe(false)
	require.Equal(t, HealthUnavailable, tr.Health())

	// Only the probe's Restore leaves UNAVAILABLE.
	_, to := tr.Observe(true)
	assert.Equal(t, HealthUnavailable, to)

	from, to := tr.Restore()
	assert.Equal(t, HealthUnavailable, from)
	assert.Equal(t, HealthHealthy, to)
	assert.Zero(t, tr.ConsecutiveFailures())
}

func TestTracker_RestoreElsewhereIsNoop(t *testing.T) {
	tr := NewTracker(0, 0)
	require.NoError(t, tr.Activate())

	from, to := tr.Restore()
	assert.Equal(t, HealthHealthy, from)
	assert.Equal(t, HealthHealthy, to)
}

func TestTracker_ActivateTwiceFails(t *testing.T) {
	tr := NewTracker(0, 0)
	require.NoError(t, tr.Activate())

	err := tr.Activate()
	var inv ErrInvalidTransition
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, HealthHealthy, inv.From)
}

func TestTracker_DefaultsAndWidening(t *testing.T) {
	tr := NewTracker(0, 0)
	assert.Equal(t, defaultDegradedAfter, tr.degradedAt)
	assert.Equal(t, defaultUnavailableAfter, tr.unavailableAt)

	// An unavailable threshold at or below the degraded one is widened.
	tr = NewTracker(5, 3)
	assert.Equal(t, 5, tr.degradedAt)
	assert.Equal(t, 10, tr.unavailableAt)
}

func TestTracker_Deregister(t *testing.T) {
	tr := NewTracker(1, 2)
	require.NoError(t, tr.Activate())
	tr.Observe(false)

	tr.Deregister()
	assert.Equal(t, HealthUnregistered, tr.Health())
	assert.Zero(t, tr.ConsecutiveFailures())
	require.NoError(t, tr.Activate())
}
