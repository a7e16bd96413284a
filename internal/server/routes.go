package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check probes one dependency for the readiness endpoint.
type Check func(ctx context.Context) error

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// NewMux builds the operational mux: /healthz for liveness, /readyz for
// dependency readiness, /metrics for Prometheus scraping.
func NewMux(checks map[string]Check, logger *zap.Logger) *http.ServeMux {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(checks))
		ready := true
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := check(ctx)
			cancel()
			if err != nil {
				ready = false
				results[name] = err.Error()
				logger.Warn("readiness check failed",
					zap.String("check", name), zap.Error(err))
			} else {
				results[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ready":  ready,
			"checks": results,
		})
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
