// Package trace builds the per-task audit trail. A Recorder accumulates one
// append-only Record of stage transitions and enforces that stages only move
// forward with exactly one terminal stage. Sinks receive each transition
// through a Dispatcher that enqueues without blocking, so a slow or broken
// sink never stalls task progress.
package trace
