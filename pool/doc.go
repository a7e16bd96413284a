// Package pool manages a warm set of sandbox instances.
//
// Manager keeps up to MaxInstances sandboxes alive, hands idle ones out
// under an acquire timeout, and recycles or retires them on release. A
// background loop keeps TargetIdle instances warm and reaps the expired.
package pool
