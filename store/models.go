package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// TaskRow is the persisted shape of one submitted task. Durations are
// stored as nanoseconds so the row round-trips without driver-specific
// interval types.
type TaskRow struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Capability     string    `gorm:"size:64;index"`
	Priority       int       `gorm:"index"`
	Language       string    `gorm:"size:32"`
	Source         string    `gorm:"type:text"`
	MaxCPUNanos    int64     ``
	MaxMemoryBytes int64     ``
	TimeoutNanos   int64     ``
	MaxOutputBytes int64     ``
	SubmittedAt    time.Time `gorm:"index"`
	CreatedAt      time.Time ``
}

// TableName pins the table name independent of gorm's pluralization.
func (TaskRow) TableName() string { return "tasks" }

func newTaskRow(task types.Task) TaskRow {
	return TaskRow{
		ID:             task.ID,
		Capability:     string(task.Capability),
		Priority:       int(task.Priority),
		Language:       string(task.Payload.Language),
		Source:         task.Payload.Source,
		MaxCPUNanos:    int64(task.Payload.Budget.MaxCPU),
		MaxMemoryBytes: task.Payload.Budget.MaxMemoryBytes,
		TimeoutNanos:   int64(task.Payload.Budget.Timeout),
		MaxOutputBytes: task.Payload.Budget.MaxOutputBytes,
		SubmittedAt:    task.SubmittedAt,
	}
}

// Task rebuilds the domain shape.
func (r TaskRow) Task() types.Task {
	return types.Task{
		ID:         r.ID,
		Capability: types.Capability(r.Capability),
		Priority:   types.Priority(r.Priority),
		Payload: types.Payload{
			Source:   r.Source,
			Language: types.Language(r.Language),
			Budget: types.Budget{
				MaxCPU:         time.Duration(r.MaxCPUNanos),
				MaxMemoryBytes: r.MaxMemoryBytes,
				Timeout:        time.Duration(r.TimeoutNanos),
				MaxOutputBytes: r.MaxOutputBytes,
			},
		},
		SubmittedAt: r.SubmittedAt,
	}
}

// ExecutionRow is the persisted terminal outcome of one task. Findings are
// serialized as JSON: they are read back whole, never queried by column.
type ExecutionRow struct {
	TaskID          string    `gorm:"primaryKey;size:36"`
	Status          string    `gorm:"size:32;index"`
	ExitCode        int       ``
	Stdout          string    `gorm:"type:text"`
	Stderr          string    `gorm:"type:text"`
	Truncated       bool      ``
	CPUTimeNanos    int64     ``
	PeakMemoryBytes int64     ``
	WallTimeNanos   int64     ``
	Reason          string    `gorm:"size:64"`
	Findings        string    `gorm:"type:text"`
	FinishedAt      time.Time `gorm:"index"`
	CreatedAt       time.Time ``
}

func (ExecutionRow) TableName() string { return "executions" }

func newExecutionRow(res types.ExecutionResult) (ExecutionRow, error) {
	row := ExecutionRow{
		TaskID:          res.TaskID,
		Status:          string(res.Status),
		ExitCode:        res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		Truncated:       res.Truncated,
		CPUTimeNanos:    int64(res.CPUTime),
		PeakMemoryBytes: res.PeakMemoryBytes,
		WallTimeNanos:   int64(res.WallTime),
		Reason:          res.Reason,
		FinishedAt:      res.FinishedAt,
	}
	if len(res.Findings) > 0 {
		raw, err := json.Marshal(res.Findings)
		if err != nil {
			return ExecutionRow{}, fmt.Errorf("marshal findings: %w", err)
		}
		row.Findings = string(raw)
	}
	return row, nil
}

// Result rebuilds the domain shape.
func (r ExecutionRow) Result() (types.ExecutionResult, error) {
	res := types.ExecutionResult{
		TaskID:          r.TaskID,
		Status:          types.ExecutionStatus(r.Status),
		ExitCode:        r.ExitCode,
		Stdout:          r.Stdout,
		Stderr:          r.Stderr,
		Truncated:       r.Truncated,
		CPUTime:         time.Duration(r.CPUTimeNanos),
		PeakMemoryBytes: r.PeakMemoryBytes,
		WallTime:        time.Duration(r.WallTimeNanos),
		Reason:          r.Reason,
		FinishedAt:      r.FinishedAt,
	}
	if r.Findings != "" {
		if err := json.Unmarshal([]byte(r.Findings), &res.Findings); err != nil {
			return types.ExecutionResult{}, fmt.Errorf("unmarshal findings: %w", err)
		}
	}
	return res, nil
}

// TraceStageRow is one stage transition of one task's trace record.
type TraceStageRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	TaskID    string    `gorm:"size:36;index"`
	Stage     string    `gorm:"size:16"`
	Note      string    `gorm:"size:255"`
	At        time.Time ``
	CreatedAt time.Time ``
}

func (TraceStageRow) TableName() string { return "trace_stages" }

func newStageRow(taskID string, tr trace.Transition) TraceStageRow {
	return TraceStageRow{
		TaskID: taskID,
		Stage:  string(tr.Stage),
		Note:   tr.Note,
		At:     tr.At,
	}
}

func (r TraceStageRow) transition() trace.Transition {
	return trace.Transition{
		Stage: trace.Stage(r.Stage),
		At:    r.At,
		Note:  r.Note,
	}
}
