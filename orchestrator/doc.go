// Package orchestrator routes submitted tasks to capability-matched
// agents. It validates payloads synchronously at submission, queues work
// in a bounded priority queue, dispatches through a worker pool with
// bounded jittered retries for transient failures, tracks agent health,
// and keeps terminal results addressable via handles, the result cache,
// and the audit store.
package orchestrator
