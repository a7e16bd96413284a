// Package security provides pre-execution inspection of untrusted source.
//
// The Validator scans a task payload against fixed per-language pattern
// tables (dynamic evaluation, process spawning, isolation-breaking imports,
// resource-exhaustion shapes) and returns graded findings. One block-severity
// finding stops a task from ever reaching a sandbox; warnings and info travel
// with the result but never gate execution. Inspection is stateless, pure,
// and deterministic.
package security
