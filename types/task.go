package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Capability tags a kind of work an agent can handle. The constants below are
// the documented vocabulary; free-form tags are accepted as long as a
// registered agent carries them.
type Capability string

const (
	CapCodeGeneration Capability = "code_generation"
	CapCodeAnalysis   Capability = "code_analysis"
	CapCodeExecution  Capability = "code_execution"
	CapTestGeneration Capability = "test_generation"
	CapTestExecution  Capability = "test_execution"
	CapCodeReview     Capability = "code_review"
	CapRefactoring    Capability = "refactoring"
	CapOptimization   Capability = "optimization"
	CapDebugging      Capability = "debugging"
	CapDocumentation  Capability = "documentation"
)

// Language identifies the payload's source language.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageBash       Language = "bash"
	LanguageGo         Language = "go"
	LanguageRust       Language = "rust"
)

// Priority orders tasks in the dispatch queue. Higher values dispatch first;
// equal priorities dispatch in submission order.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Budget declares per-task resource ceilings. Every field must be positive;
// zero values are filled from configuration defaults at submission.
type Budget struct {
	MaxCPU         time.Duration `json:"max_cpu"`
	MaxMemoryBytes int64         `json:"max_memory_bytes"`
	Timeout        time.Duration `json:"timeout"`
	MaxOutputBytes int64         `json:"max_output_bytes"`
}

// Normalize fills zero fields from def and returns the result. Negative
// fields are left in place for Validate to reject.
func (b Budget) Normalize(def Budget) Budget {
	if b.MaxCPU == 0 {
		b.MaxCPU = def.MaxCPU
	}
	if b.MaxMemoryBytes == 0 {
		b.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if b.Timeout == 0 {
		b.Timeout = def.Timeout
	}
	if b.MaxOutputBytes == 0 {
		b.MaxOutputBytes = def.MaxOutputBytes
	}
	return b
}

// Validate checks that every ceiling is positive.
func (b Budget) Validate() error {
	if b.MaxCPU <= 0 {
		return NewError(ErrInvalidTask, "budget: max CPU must be positive")
	}
	if b.MaxMemoryBytes <= 0 {
		return NewError(ErrInvalidTask, "budget: max memory must be positive")
	}
	if b.Timeout <= 0 {
		return NewError(ErrInvalidTask, "budget: timeout must be positive")
	}
	if b.MaxOutputBytes <= 0 {
		return NewError(ErrInvalidTask, "budget: max output must be positive")
	}
	return nil
}

// Payload carries the untrusted source a task wants executed or inspected.
type Payload struct {
	Source   string   `json:"source"`
	Language Language `json:"language"`
	Budget   Budget   `json:"budget"`
}

// Task is one unit of work. Immutable once submitted: components receive it
// by value and never write back.
type Task struct {
	ID          string     `json:"id"`
	Capability  Capability `json:"capability"`
	Payload     Payload    `json:"payload"`
	Priority    Priority   `json:"priority"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// NewTask stamps identity and submission time. An out-of-range priority is
// coerced to normal.
func NewTask(capability Capability, payload Payload, priority Priority) Task {
	if !priority.Valid() {
		priority = PriorityNormal
	}
	return Task{
		ID:          uuid.NewString(),
		Capability:  capability,
		Payload:     payload,
		Priority:    priority,
		SubmittedAt: time.Now().UTC(),
	}
}

// Validate rejects structurally unusable tasks before they consume any
// routing or sandbox capacity.
func (t Task) Validate() error {
	if t.ID == "" {
		return NewError(ErrInvalidTask, "task: missing id")
	}
	if strings.TrimSpace(string(t.Capability)) == "" {
		return NewError(ErrInvalidTask, "task: missing capability tag")
	}
	if t.Payload.Source == "" {
		return NewError(ErrInvalidTask, "task: empty payload source")
	}
	if t.Payload.Language == "" {
		return NewError(ErrInvalidTask, "task: missing payload language")
	}
	return t.Payload.Budget.Validate()
}

// TaskState tracks a submitted task through the orchestrator.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateQueued    TaskState = "QUEUED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCancelled TaskState = "CANCELLED"
	TaskStateTimeout   TaskState = "TIMEOUT"
)

// Terminal reports whether no further state transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateTimeout:
		return true
	default:
		return false
	}
}
