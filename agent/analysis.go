package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vorrawut/DebuggyDuckyMCP/security"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// AnalysisHandler inspects source without executing it. It is a pure
// handler: no sandbox is leased and the findings themselves are the work
// product, so a payload full of blocked constructs still analyzes
// successfully.
type AnalysisHandler struct {
	validator *security.Validator
	caps      []types.Capability
}

// NewAnalysisHandler builds a static-analysis handler. With no explicit
// tags it serves code analysis and review.
func NewAnalysisHandler(validator *security.Validator, caps ...types.Capability) *AnalysisHandler {
	if len(caps) == 0 {
		caps = []types.Capability{types.CapCodeAnalysis, types.CapCodeReview}
	}
	return &AnalysisHandler{validator: validator, caps: caps}
}

// Capabilities implements Handler.
func (h *AnalysisHandler) Capabilities() []types.Capability {
	return append([]types.Capability(nil), h.caps...)
}

// Handle implements Handler.
func (h *AnalysisHandler) Handle(ctx context.Context, task types.Task) (types.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ExecutionResult{}, types.NewError(types.ErrCancelled, "analysis cancelled").WithCause(err)
	}

	started := time.Now()
	findings := h.validator.Inspect(task.Payload)

	return types.ExecutionResult{
		TaskID:     task.ID,
		Status:     types.StatusSuccess,
		Stdout:     renderFindings(task.Payload.Language, findings),
		Findings:   findings,
		WallTime:   time.Since(started),
		FinishedAt: time.Now().UTC(),
	}, nil
}

// renderFindings formats an inspection report, one line per finding plus a
// summary header.
func renderFindings(lang types.Language, findings []types.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "analysis (%s): %d finding(s), max severity %s\n",
		lang, len(findings), types.MaxSeverity(findings))
	for _, f := range findings {
		fmt.Fprintf(&b, "%d:%d [%s] %s (%s)", f.Line, f.Column, f.Severity, f.Kind, f.Rule)
		if f.Match != "" {
			fmt.Fprintf(&b, ": %s", f.Match)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
