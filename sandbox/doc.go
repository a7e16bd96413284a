// Package sandbox provides the isolation boundary for untrusted payloads.
//
// A Backend owns the lifecycle of isolated execution slots: create, submit,
// wait, terminate, destroy. Two backends ship with the package: a local
// process backend with a stripped environment and kernel-level resource
// sampling, and a container backend driving the docker CLI. Instance wraps
// one backend slot with the warm-pool state machine used by pool.Manager.
package sandbox
