package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Stage names one step of a task's journey through the core.
type Stage string

const (
	StageValidated Stage = "validated"
	StageQueued    Stage = "queued"
	StageLeased    Stage = "leased"
	StageRunning   Stage = "running"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// rank orders stages. Skipping forward is legal (a blocked task goes straight
// from validated to failed); moving backwards is not. The three terminal
// stages share the top rank so at most one of them fits in a record.
func (s Stage) rank() int {
	switch s {
	case StageValidated:
		return 1
	case StageQueued:
		return 2
	case StageLeased:
		return 3
	case StageRunning:
		return 4
	case StageCompleted, StageFailed, StageCancelled:
		return 5
	default:
		return 0
	}
}

// Valid reports whether s is a defined stage.
func (s Stage) Valid() bool { return s.rank() > 0 }

// Terminal reports whether s ends a record.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// Transition is one stage entry with its timestamp.
type Transition struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Record is the append-only trail of one task.
type Record struct {
	TaskID string       `json:"task_id"`
	Stages []Transition `json:"stages"`
}

// Current returns the most recent stage, or "" for an empty record.
func (r Record) Current() Stage {
	if len(r.Stages) == 0 {
		return ""
	}
	return r.Stages[len(r.Stages)-1].Stage
}

// Terminal reports whether the record has reached a terminal stage.
func (r Record) Terminal() bool { return r.Current().Terminal() }

// Duration is the span from the first to the last transition.
func (r Record) Duration() time.Duration {
	if len(r.Stages) < 2 {
		return 0
	}
	return r.Stages[len(r.Stages)-1].At.Sub(r.Stages[0].At)
}

func (r Record) clone() Record {
	out := Record{TaskID: r.TaskID, Stages: make([]Transition, len(r.Stages))}
	copy(out.Stages, r.Stages)
	return out
}

var (
	ErrUnknownStage = errors.New("trace: unknown stage")
	ErrStageOrder   = errors.New("trace: stage would move backwards")
	ErrTraceDone    = errors.New("trace: record already terminal")
)

// Recorder tracks one task's record and forwards every accepted transition
// to its sink. Safe for concurrent use: the engine and a cancellation path
// may race to write the terminal stage, and exactly one wins.
type Recorder struct {
	mu   sync.Mutex
	rec  Record
	sink Sink
}

// NewRecorder starts an empty record for a task. A nil sink keeps the record
// in memory only.
func NewRecorder(taskID string, sink Sink) *Recorder {
	return &Recorder{rec: Record{TaskID: taskID}, sink: sink}
}

// Advance appends a stage. It fails with ErrStageOrder when the stage does
// not move the record forward, and with ErrTraceDone once a terminal stage
// has been written.
func (r *Recorder) Advance(ctx context.Context, stage Stage, note string) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	r.mu.Lock()
	if r.rec.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s arrived after %s", ErrTraceDone, stage, r.rec.Current())
	}
	if cur := r.rec.Current(); cur != "" && stage.rank() <= cur.rank() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s after %s", ErrStageOrder, stage, cur)
	}
	r.rec.Stages = append(r.rec.Stages, Transition{
		Stage: stage,
		At:    time.Now().UTC(),
		Note:  note,
	})
	snap := r.rec.clone()
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.Stage(ctx, snap, snap.Stages[len(snap.Stages)-1])
	}
	return nil
}

// Snapshot returns an independent copy of the record so far.
func (r *Recorder) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.clone()
}

// Current returns the most recent stage.
func (r *Recorder) Current() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Current()
}
