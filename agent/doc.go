// Package agent defines the capability-tagged work handlers the orchestrator
// routes tasks to. Handlers are a closed set of variants behind one Handler
// interface: the exec handler runs payloads through the execution engine, the
// analysis handler inspects them without consuming a sandbox.
//
// Agent wraps a Handler with identity, a weighted-semaphore concurrency gate,
// consecutive-failure health tracking, and the load and latency accounting
// that least-loaded routing reads.
package agent
