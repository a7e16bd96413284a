package security

import (
	"regexp"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// Rule is one compiled inspection pattern with its fixed classification.
// Severity assignment is a fixed table: the same source always produces the
// same findings.
type Rule struct {
	Pattern     *regexp.Regexp
	Kind        types.FindingKind
	Severity    types.Severity
	Description string
}

// defaultRules returns the per-language inspection tables. Case matters for
// identifiers in every language here, so patterns compile without (?i) unless
// the construct itself is case-insensitive.
func defaultRules() map[types.Language][]Rule {
	return map[types.Language][]Rule{
		types.LanguagePython: {
			// Dynamic evaluation breaks every static guarantee.
			{
				Pattern:     regexp.MustCompile(`\beval\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "dynamic evaluation via eval",
			},
			{
				Pattern:     regexp.MustCompile(`\bexec\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "dynamic evaluation via exec",
			},
			{
				Pattern:     regexp.MustCompile(`\bcompile\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "dynamic evaluation via compile",
			},
			{
				Pattern:     regexp.MustCompile(`__import__\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "dynamic import via __import__",
			},
			// Process spawning escapes the sandbox boundary.
			{
				Pattern:     regexp.MustCompile(`\bos\.(system|popen|execv?p?e?|spawnl)\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "process spawn via os",
			},
			{
				Pattern:     regexp.MustCompile(`\bsubprocess\.(run|call|check_call|check_output|Popen)\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "process spawn via subprocess",
			},
			{
				Pattern:     regexp.MustCompile(`\bpty\.spawn\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "terminal spawn via pty",
			},
			{
				Pattern:     regexp.MustCompile(`\bos\.fork\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "process fork",
			},
			{
				Pattern:     regexp.MustCompile(`(?m)^\s*(import|from)\s+(subprocess|ctypes|pty)\b`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityBlock,
				Description: "import of isolation-breaking module",
			},
			{
				Pattern:     regexp.MustCompile(`(?m)^\s*(import|from)\s+(os|sys|socket|shutil|pathlib|signal|multiprocessing|resource)\b`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityWarning,
				Description: "import of sensitive module",
			},
			{
				Pattern:     regexp.MustCompile(`\bsocket\.socket\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityWarning,
				Description: "raw socket creation",
			},
			{
				Pattern:     regexp.MustCompile(`\bresource\.setrlimit\s*\(`),
				Kind:        types.FindingResourceExhaustion,
				Severity:    types.SeverityWarning,
				Description: "resource limit tampering",
			},
			{
				Pattern:     regexp.MustCompile(`\bmultiprocessing\.(Pool|Process)\s*\(`),
				Kind:        types.FindingResourceExhaustion,
				Severity:    types.SeverityWarning,
				Description: "worker fan-out",
			},
			{
				Pattern:     regexp.MustCompile(`(?m)while\s+(True|1)\s*:`),
				Kind:        types.FindingResourceExhaustion,
				Severity:    types.SeverityWarning,
				Description: "unbounded loop",
			},
		},
		types.LanguageJavaScript: {
			{
				Pattern:     regexp.MustCompile(`\beval\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "dynamic evaluation via eval",
			},
			{
				Pattern:     regexp.MustCompile(`new\s+Function\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "dynamic evaluation via Function constructor",
			},
			{
				Pattern:     regexp.MustCompile(`require\s*\(\s*['"]child_process['"]\s*\)`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityBlock,
				Description: "child_process import",
			},
			{
				Pattern:     regexp.MustCompile(`\bimport\b[^\n]*['"]child_process['"]`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityBlock,
				Description: "child_process import",
			},
			{
				Pattern:     regexp.MustCompile(`\bprocess\.binding\s*\(`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "internal binding access",
			},
			{
				Pattern:     regexp.MustCompile(`require\s*\(\s*['"](fs|net|dgram|cluster|worker_threads|vm)['"]\s*\)`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityWarning,
				Description: "sensitive module import",
			},
			{
				Pattern:     regexp.MustCompile(`\bprocess\.env\b`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityWarning,
				Description: "environment access",
			},
			{
				Pattern:     regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)`),
				Kind:        types.FindingResourceExhaustion,
				Severity:    types.SeverityWarning,
				Description: "unbounded loop",
			},
		},
		types.LanguageBash: {
			{
				Pattern:     regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(\s|$)`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "recursive removal of root",
			},
			{
				Pattern:     regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "filesystem format",
			},
			{
				Pattern:     regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "raw device write",
			},
			{
				Pattern:     regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
				Kind:        types.FindingResourceExhaustion,
				Severity:    types.SeverityBlock,
				Description: "fork bomb",
			},
			{
				Pattern:     regexp.MustCompile(`\bsudo\b`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "privilege escalation",
			},
			{
				Pattern:     regexp.MustCompile(`/etc/shadow\b`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "credential store access",
			},
			{
				Pattern:     regexp.MustCompile(`\bchmod\s+(-R\s+)?777\s+/`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "permission broadening on root",
			},
			{
				Pattern:     regexp.MustCompile(`\b(curl|wget|nc|ncat)\b`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityWarning,
				Description: "network transfer tool",
			},
			{
				Pattern:     regexp.MustCompile(`/etc/passwd\b`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityWarning,
				Description: "account listing access",
			},
			{
				Pattern:     regexp.MustCompile(`while\s+(true|:)\s*;`),
				Kind:        types.FindingResourceExhaustion,
				Severity:    types.SeverityWarning,
				Description: "unbounded loop",
			},
		},
		types.LanguageGo: {
			{
				Pattern:     regexp.MustCompile(`"os/exec"`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityBlock,
				Description: "process spawn import",
			},
			{
				Pattern:     regexp.MustCompile(`"plugin"`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityBlock,
				Description: "arbitrary code loading import",
			},
			{
				Pattern:     regexp.MustCompile(`"(net|syscall|unsafe)"`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityWarning,
				Description: "sensitive package import",
			},
			{
				Pattern:     regexp.MustCompile(`\bsyscall\.(Exec|ForkExec)\b`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "process replacement",
			},
			{
				Pattern:     regexp.MustCompile(`for\s*(\{|;;)`),
				Kind:        types.FindingResourceExhaustion,
				Severity:    types.SeverityWarning,
				Description: "unbounded loop",
			},
		},
		types.LanguageRust: {
			{
				Pattern:     regexp.MustCompile(`std::process::Command`),
				Kind:        types.FindingDenylistedCall,
				Severity:    types.SeverityBlock,
				Description: "process spawn",
			},
			{
				Pattern:     regexp.MustCompile(`\bunsafe\s*\{`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityWarning,
				Description: "unsafe block",
			},
			{
				Pattern:     regexp.MustCompile(`(std::net|libc::)`),
				Kind:        types.FindingSuspiciousImport,
				Severity:    types.SeverityWarning,
				Description: "sensitive module use",
			},
			{
				Pattern:     regexp.MustCompile(`loop\s*\{`),
				Kind:        types.FindingResourceExhaustion,
				Severity:    types.SeverityWarning,
				Description: "unbounded loop",
			},
		},
	}
}

// universalRules apply to every language.
func universalRules() []Rule {
	return []Rule{
		{
			Pattern:     regexp.MustCompile(`(?i)LD_PRELOAD\s*=`),
			Kind:        types.FindingDenylistedCall,
			Severity:    types.SeverityBlock,
			Description: "loader preload override",
		},
		{
			Pattern:     regexp.MustCompile(`/proc/self/mem\b`),
			Kind:        types.FindingDenylistedCall,
			Severity:    types.SeverityBlock,
			Description: "own memory map access",
		},
		{
			Pattern:     regexp.MustCompile(`(?i)\bbase64\s+-d\b`),
			Kind:        types.FindingUnknown,
			Severity:    types.SeverityWarning,
			Description: "encoded payload decoding",
		},
	}
}

// heuristicFindings flags constructs that fit no fixed table. These never
// exceed warning severity.
func heuristicFindings(source string) []types.Finding {
	var findings []types.Finding

	// Go's regexp caps repeat counts at 1000, so {4096,} is spelled as
	// four blocks of 1000 plus {96,}.
	longLine := regexp.MustCompile(`(?m)^.{1000}.{1000}.{1000}.{1000}.{96,}$`)
	if loc := longLine.FindStringIndex(source); loc != nil {
		line, col := lineCol(source, loc[0])
		findings = append(findings, types.Finding{
			Kind:     types.FindingUnknown,
			Severity: types.SeverityWarning,
			Rule:     "unusually long line",
			Line:     line,
			Column:   col,
		})
	}

	packed := regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){8,}`)
	if loc := packed.FindStringIndex(source); loc != nil {
		line, col := lineCol(source, loc[0])
		findings = append(findings, types.Finding{
			Kind:     types.FindingUnknown,
			Severity: types.SeverityWarning,
			Rule:     "packed byte escapes",
			Line:     line,
			Column:   col,
			Match:    clip(source[loc[0]:loc[1]]),
		})
	}

	return findings
}
