// Package server runs the operational HTTP endpoint: liveness and
// readiness probes plus the Prometheus scrape target.
//
// Manager owns the http.Server lifecycle with non-blocking Start,
// graceful Shutdown, and SIGINT/SIGTERM handling via WaitForShutdown.
// NewMux assembles the /healthz, /readyz and /metrics routes; readiness
// runs the registered dependency checks and reports per-check results.
package server
