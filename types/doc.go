/*
Package types provides the shared type contracts of the execution core.

types is the lowest-level package and depends on no other internal package;
security, sandbox, pool, engine, agent, orchestrator and the stores all build
on the contracts defined here to avoid circular dependencies.

# Core types

  - Task / Payload / Budget: one immutable unit of work with declared
    resource ceilings
  - Capability / Priority / Language: the task vocabulary
  - ExecutionResult / ExecutionStatus: the closed set of terminal outcomes
  - Finding / FindingKind / Severity: pre-execution inspection results
  - TaskState: orchestrator-side lifecycle of a submitted task
  - Error / ErrorCode: structured error taxonomy with Retryable marking

# Main facilities

  - Context propagation: WithTraceID / WithTaskID / WithAgentID
  - Error helpers: IsRetryable / GetErrorCode / IsCode
  - Budget normalization against configured defaults
  - Severity ordering and block-monotonicity helpers (HasBlocking, MaxSeverity)
*/
package types
