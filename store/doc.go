/*
Package store persists the audit trail of the execution core.

Three tables back it: tasks (immutable submissions), executions (terminal
results, findings serialized as JSON), and trace_stages (one row per stage
transition). Store satisfies the orchestrator's Archiver contract, and
Sink() adapts it to the trace pipeline so every accepted transition lands
in the archive.

Schema management is dual: AutoMigrate covers sqlite and tests, while
deployments run the versioned SQL migrations under internal/migration.
*/
package store
