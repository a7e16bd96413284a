package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultBudget() Budget {
	return Budget{
		MaxCPU:         30 * time.Second,
		MaxMemoryBytes: 512 << 20,
		Timeout:        60 * time.Second,
		MaxOutputBytes: 1 << 20,
	}
}

func TestNewTask_StampsIdentity(t *testing.T) {
	t.Parallel()

	payload := Payload{Source: "print(1)", Language: LanguagePython, Budget: defaultBudget()}
	task := NewTask(CapCodeExecution, payload, PriorityHigh)

	require.NotEmpty(t, task.ID)
	assert.Equal(t, CapCodeExecution, task.Capability)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.False(t, task.SubmittedAt.IsZero())
	assert.NoError(t, task.Validate())

	other := NewTask(CapCodeExecution, payload, PriorityHigh)
	assert.NotEqual(t, task.ID, other.ID)
}

func TestNewTask_CoercesInvalidPriority(t *testing.T) {
	t.Parallel()

	payload := Payload{Source: "true", Language: LanguageBash, Budget: defaultBudget()}
	task := NewTask(CapCodeExecution, payload, Priority(42))
	assert.Equal(t, PriorityNormal, task.Priority)

	task = NewTask(CapCodeExecution, payload, Priority(0))
	assert.Equal(t, PriorityNormal, task.Priority)
}

func TestTask_ValidateRejections(t *testing.T) {
	t.Parallel()

	base := NewTask(CapCodeExecution, Payload{Source: "x", Language: LanguagePython, Budget: defaultBudget()}, PriorityNormal)

	cases := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing id", func(tk *Task) { tk.ID = "" }},
		{"blank capability", func(tk *Task) { tk.Capability = "  " }},
		{"empty source", func(tk *Task) { tk.Payload.Source = "" }},
		{"missing language", func(tk *Task) { tk.Payload.Language = "" }},
		{"negative timeout", func(tk *Task) { tk.Payload.Budget.Timeout = -time.Second }},
		{"zero memory", func(tk *Task) { tk.Payload.Budget.MaxMemoryBytes = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := base
			tc.mutate(&task)
			err := task.Validate()
			require.Error(t, err)
			assert.Equal(t, ErrInvalidTask, GetErrorCode(err))
		})
	}
}

func TestBudget_Normalize(t *testing.T) {
	t.Parallel()

	def := defaultBudget()

	got := Budget{}.Normalize(def)
	assert.Equal(t, def, got)

	partial := Budget{Timeout: 2 * time.Second}.Normalize(def)
	assert.Equal(t, 2*time.Second, partial.Timeout)
	assert.Equal(t, def.MaxMemoryBytes, partial.MaxMemoryBytes)
	assert.Equal(t, def.MaxCPU, partial.MaxCPU)
	assert.Equal(t, def.MaxOutputBytes, partial.MaxOutputBytes)

	negative := Budget{Timeout: -time.Second}.Normalize(def)
	assert.Error(t, negative.Validate())
}

func TestTaskState_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateTimeout} {
		assert.True(t, s.Terminal(), "state %s", s)
	}
	for _, s := range []TaskState{TaskStatePending, TaskStateQueued, TaskStateRunning} {
		assert.False(t, s.Terminal(), "state %s", s)
	}
}

func TestPriority_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "unknown", Priority(9).String())
}
