// Package ctxkeys carries request-scoped values across component boundaries
// without widening interfaces. The orchestrator plants the task's trace
// recorder and the serving agent's identity here; handlers and the engine
// read them back when present.
package ctxkeys

import (
	"context"

	"github.com/vorrawut/DebuggyDuckyMCP/trace"
)

type contextKey string

const (
	recorderKey contextKey = "trace_recorder"
	agentIDKey  contextKey = "agent_id"
)

// WithRecorder attaches the task's trace recorder.
func WithRecorder(ctx context.Context, rec *trace.Recorder) context.Context {
	return context.WithValue(ctx, recorderKey, rec)
}

// Recorder returns the attached trace recorder, if any.
func Recorder(ctx context.Context) (*trace.Recorder, bool) {
	v, ok := ctx.Value(recorderKey).(*trace.Recorder)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// WithAgentID attaches the identity of the agent serving the task.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// AgentID returns the serving agent's identity, if any.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
