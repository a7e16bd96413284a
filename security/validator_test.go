package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

func pyPayload(source string) types.Payload {
	return types.Payload{Source: source, Language: types.LanguagePython}
}

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		v := New(DefaultConfig(), nil)
		require.NotNil(t, v)
		assert.Greater(t, len(v.rules[types.LanguagePython]), 0)
		assert.Greater(t, len(v.universal), 0)
		assert.Empty(t, v.custom)
	})

	t.Run("custom patterns", func(t *testing.T) {
		v := New(Config{CustomDenyPatterns: []string{`forbidden_token`}}, nil)
		findings := v.Inspect(pyPayload("x = 'forbidden_token'"))
		require.NotEmpty(t, findings)
		assert.True(t, types.HasBlocking(findings))
	})

	t.Run("invalid custom pattern skipped", func(t *testing.T) {
		v := New(Config{CustomDenyPatterns: []string{`([unclosed`}}, nil)
		require.NotNil(t, v)
		assert.Empty(t, v.custom)
	})

	t.Run("zero ceiling falls back to default", func(t *testing.T) {
		v := New(Config{}, nil)
		assert.Equal(t, DefaultConfig().MaxSourceBytes, v.maxSource)
	})
}

func TestValidator_Inspect_PythonBlocks(t *testing.T) {
	v := New(DefaultConfig(), nil)

	tests := []struct {
		name   string
		source string
		kind   types.FindingKind
	}{
		{"eval call", `result = eval("1+1")`, types.FindingDenylistedCall},
		{"exec call", `exec("import this")`, types.FindingDenylistedCall},
		{"compile call", `code = compile(src, "<s>", "exec")`, types.FindingDenylistedCall},
		{"dunder import", `mod = __import__("os")`, types.FindingDenylistedCall},
		{"os.system", `os.system("ls /")`, types.FindingDenylistedCall},
		{"subprocess.run", `subprocess.run(["id"])`, types.FindingDenylistedCall},
		{"os.fork", `pid = os.fork()`, types.FindingDenylistedCall},
		{"subprocess import", "import subprocess\nprint(1)", types.FindingSuspiciousImport},
		{"ctypes import", "from ctypes import CDLL", types.FindingSuspiciousImport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := v.Inspect(pyPayload(tt.source))
			require.NotEmpty(t, findings)
			assert.True(t, types.HasBlocking(findings), "source: %s", tt.source)

			found := false
			for _, f := range findings {
				if f.Kind == tt.kind && f.Severity == types.SeverityBlock {
					found = true
					assert.GreaterOrEqual(t, f.Line, 1)
					assert.GreaterOrEqual(t, f.Column, 1)
					assert.NotEmpty(t, f.Rule)
				}
			}
			assert.True(t, found, "expected a %s block finding", tt.kind)
		})
	}
}

func TestValidator_Inspect_PythonWarnings(t *testing.T) {
	v := New(DefaultConfig(), nil)

	tests := []struct {
		name   string
		source string
		kind   types.FindingKind
	}{
		{"os import", "import os\nprint(os.getcwd())", types.FindingSuspiciousImport},
		{"sys import", "import sys\nsys.exit(0)", types.FindingSuspiciousImport},
		{"socket call", "s = socket.socket()", types.FindingDenylistedCall},
		{"infinite loop", "while True:\n    pass", types.FindingResourceExhaustion},
		{"rlimit tampering", "resource.setrlimit(resource.RLIMIT_CPU, (1, 1))", types.FindingResourceExhaustion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := v.Inspect(pyPayload(tt.source))
			require.NotEmpty(t, findings)
			assert.False(t, types.HasBlocking(findings), "warnings must not block: %s", tt.source)
			assert.Equal(t, types.SeverityWarning, types.MaxSeverity(findings))

			found := false
			for _, f := range findings {
				if f.Kind == tt.kind {
					found = true
				}
			}
			assert.True(t, found, "expected a %s finding", tt.kind)
		})
	}
}

func TestValidator_Inspect_OtherLanguages(t *testing.T) {
	v := New(DefaultConfig(), nil)

	tests := []struct {
		name     string
		language types.Language
		source   string
		blocking bool
	}{
		{"js eval", types.LanguageJavaScript, `eval("2+2")`, true},
		{"js Function constructor", types.LanguageJavaScript, `const f = new Function("return 1")`, true},
		{"js child_process", types.LanguageJavaScript, `const cp = require('child_process')`, true},
		{"js fs warning", types.LanguageJavaScript, `const fs = require('fs')`, false},
		{"js while true warning", types.LanguageJavaScript, `while (true) {}`, false},
		{"bash rm root", types.LanguageBash, `rm -rf /`, true},
		{"bash fork bomb", types.LanguageBash, `:(){ :|:& };:`, true},
		{"bash sudo", types.LanguageBash, `sudo cat /etc/shadow`, true},
		{"bash curl warning", types.LanguageBash, `curl https://example.com`, false},
		{"go os/exec import", types.LanguageGo, "import \"os/exec\"", true},
		{"go net warning", types.LanguageGo, "import \"net\"", false},
		{"rust process spawn", types.LanguageRust, `std::process::Command::new("sh")`, true},
		{"rust unsafe warning", types.LanguageRust, `unsafe { *ptr }`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := v.Inspect(types.Payload{Source: tt.source, Language: tt.language})
			require.NotEmpty(t, findings, "source: %s", tt.source)
			assert.Equal(t, tt.blocking, types.HasBlocking(findings), "source: %s", tt.source)
		})
	}
}

func TestValidator_Inspect_CleanSource(t *testing.T) {
	v := New(DefaultConfig(), nil)

	tests := []struct {
		name     string
		language types.Language
		source   string
	}{
		{"python arithmetic", types.LanguagePython, "x = 1 + 2\nprint(x)"},
		{"python bounded loop", types.LanguagePython, "for i in range(10):\n    print(i)"},
		{"js arithmetic", types.LanguageJavaScript, "console.log(21 * 2)"},
		{"bash echo", types.LanguageBash, `echo "hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := v.Inspect(types.Payload{Source: tt.source, Language: tt.language})
			assert.Empty(t, findings, "clean source must produce no findings: %s", tt.source)
		})
	}
}

func TestValidator_Inspect_Unparseable(t *testing.T) {
	v := New(Config{MaxSourceBytes: 64}, nil)

	tests := []struct {
		name   string
		source string
	}{
		{"NUL bytes", "print(1)\x00print(2)"},
		{"invalid UTF-8", "print(\xff\xfe)"},
		{"over decode ceiling", strings.Repeat("a", 65)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := v.Inspect(pyPayload(tt.source))
			require.Len(t, findings, 1, "unparseable input yields exactly one finding")
			assert.Equal(t, types.FindingUnparseable, findings[0].Kind)
			assert.Equal(t, types.SeverityBlock, findings[0].Severity)
		})
	}
}

func TestValidator_Inspect_UnknownLanguage(t *testing.T) {
	v := New(DefaultConfig(), nil)

	findings := v.Inspect(types.Payload{Source: "BEGIN. PRINT 42. END.", Language: "cobol"})
	require.Len(t, findings, 1)
	// The rules gap is surfaced, but never as a block.
	assert.Equal(t, types.FindingUnknown, findings[0].Kind)
	assert.Equal(t, types.SeverityInfo, findings[0].Severity)
	assert.False(t, types.HasBlocking(findings))
}

func TestValidator_Inspect_PositionsAndOrdering(t *testing.T) {
	v := New(DefaultConfig(), nil)

	source := "import os\nimport sys\nx = eval('1')\n"
	findings := v.Inspect(pyPayload(source))
	require.GreaterOrEqual(t, len(findings), 3)

	for i := 1; i < len(findings); i++ {
		prev, cur := findings[i-1], findings[i]
		ordered := prev.Line < cur.Line ||
			(prev.Line == cur.Line && prev.Column <= cur.Column)
		assert.True(t, ordered, "findings must be position-ordered")
	}

	assert.Equal(t, 1, findings[0].Line)
	assert.Equal(t, 2, findings[1].Line)
	assert.Equal(t, 3, findings[2].Line)
}

func TestValidator_Inspect_MatchedTextClipped(t *testing.T) {
	v := New(Config{MaxSourceBytes: 1 << 20, CustomDenyPatterns: []string{`secret[a-z]*`}}, nil)

	source := "x = 'secret" + strings.Repeat("y", 200) + "'"
	findings := v.Inspect(pyPayload(source))
	require.NotEmpty(t, findings)
	for _, f := range findings {
		assert.LessOrEqual(t, len(f.Match), maxMatchLen)
	}
}
