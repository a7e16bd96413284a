package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMux_Healthz(t *testing.T) {
	mux := NewMux(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMux_ReadyzAllPassing(t *testing.T) {
	checks := map[string]Check{
		"store": func(ctx context.Context) error { return nil },
		"cache": func(ctx context.Context) error { return nil },
	}
	mux := NewMux(checks, zap.NewNop())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, "ok", body.Checks["cache"])
}

func TestMux_ReadyzFailingCheck(t *testing.T) {
	checks := map[string]Check{
		"store": func(ctx context.Context) error { return nil },
		"cache": func(ctx context.Context) error { return errors.New("connection refused") },
	}
	mux := NewMux(checks, zap.NewNop())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Contains(t, body.Checks["cache"], "connection refused")
}

func TestMux_Metrics(t *testing.T) {
	mux := NewMux(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
