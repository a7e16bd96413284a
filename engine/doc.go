// Package engine drives one task through the execution pipeline: source
// inspection, sandbox acquisition, payload submission, run monitoring, and
// lease release. Every path ends in a terminal ExecutionResult or a
// definitive error; the engine never leaves a task in limbo or a sandbox
// leased.
//
// The engine is stateless between tasks and safe for concurrent Run calls.
// Backpressure, routing, and retries across agents live a level up in the
// orchestrator; the engine only retries what is invisible to callers: pool
// exhaustion inside the task's own wall-clock budget, and one fresh instance
// after a host-level sandbox failure.
package engine
