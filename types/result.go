package types

import "time"

// ExecutionStatus classifies how a task's execution ended. The set is closed:
// callers switch on it and must handle every member.
type ExecutionStatus string

const (
	StatusSuccess          ExecutionStatus = "SUCCESS"
	StatusNonZeroExit      ExecutionStatus = "NONZERO_EXIT"
	StatusTimeout          ExecutionStatus = "TIMEOUT"
	StatusResourceExceeded ExecutionStatus = "RESOURCE_EXCEEDED"
	StatusSandboxFailure   ExecutionStatus = "SANDBOX_FAILURE"
	StatusBlocked          ExecutionStatus = "BLOCKED_BY_VALIDATOR"
)

// Sub-reason strings carried by ExecutionResult.Reason.
const (
	ReasonPoolExhausted   = "pool_exhausted"
	ReasonMemoryExceeded  = "memory_exceeded"
	ReasonCPUExceeded     = "cpu_exceeded"
	ReasonProvisionFailed = "provision_failed"
)

// FindingKind classifies what a security finding matched.
type FindingKind string

const (
	FindingDenylistedCall     FindingKind = "denylisted-call"
	FindingSuspiciousImport   FindingKind = "suspicious-import"
	FindingResourceExhaustion FindingKind = "resource-exhaustion-pattern"
	FindingUnknown            FindingKind = "unknown"
	FindingUnparseable        FindingKind = "unparseable"
)

// Severity grades a finding. Ordering matters: Rank gives info < warning < block.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityBlock   Severity = "block"
)

// Rank maps severity to a comparable order.
func (s Severity) Rank() int {
	switch s {
	case SeverityBlock:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Finding is one result of pre-execution source inspection.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Rule     string      `json:"rule"`
	Line     int         `json:"line"`
	Column   int         `json:"column"`
	Match    string      `json:"match,omitempty"`
}

// HasBlocking reports whether any finding carries block severity. One block
// finding is monotonic: the task cannot proceed regardless of the rest.
func HasBlocking(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity present, or SeverityInfo for an
// empty slice.
func MaxSeverity(findings []Finding) Severity {
	max := SeverityInfo
	for _, f := range findings {
		if f.Severity.Rank() > max.Rank() {
			max = f.Severity
		}
	}
	return max
}

// ExecutionResult is the terminal outcome of one task.
type ExecutionResult struct {
	TaskID          string          `json:"task_id"`
	Status          ExecutionStatus `json:"status"`
	ExitCode        int             `json:"exit_code"`
	Stdout          string          `json:"stdout"`
	Stderr          string          `json:"stderr"`
	Truncated       bool            `json:"truncated"`
	CPUTime         time.Duration   `json:"cpu_time"`
	PeakMemoryBytes int64           `json:"peak_memory_bytes"`
	WallTime        time.Duration   `json:"wall_time"`
	Reason          string          `json:"reason,omitempty"`
	Findings        []Finding       `json:"findings,omitempty"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// OK reports whether the payload ran to completion with exit code zero.
func (r ExecutionResult) OK() bool {
	return r.Status == StatusSuccess
}
