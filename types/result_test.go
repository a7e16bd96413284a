package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindingHelpers(t *testing.T) {
	t.Parallel()

	clean := []Finding{}
	assert.False(t, HasBlocking(clean))
	assert.Equal(t, SeverityInfo, MaxSeverity(clean))

	warned := []Finding{
		{Kind: FindingSuspiciousImport, Severity: SeverityWarning},
		{Kind: FindingUnknown, Severity: SeverityInfo},
	}
	assert.False(t, HasBlocking(warned))
	assert.Equal(t, SeverityWarning, MaxSeverity(warned))

	blocked := append(warned, Finding{Kind: FindingDenylistedCall, Severity: SeverityBlock})
	assert.True(t, HasBlocking(blocked))
	assert.Equal(t, SeverityBlock, MaxSeverity(blocked))
}

func TestSeverityRankOrdering(t *testing.T) {
	t.Parallel()

	assert.Less(t, SeverityInfo.Rank(), SeverityWarning.Rank())
	assert.Less(t, SeverityWarning.Rank(), SeverityBlock.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())
}

func TestExecutionResult_OK(t *testing.T) {
	t.Parallel()

	assert.True(t, ExecutionResult{Status: StatusSuccess}.OK())
	assert.False(t, ExecutionResult{Status: StatusNonZeroExit, ExitCode: 3}.OK())
	assert.False(t, ExecutionResult{Status: StatusTimeout}.OK())
	assert.False(t, ExecutionResult{Status: StatusBlocked}.OK())
}
