package security

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// Config tunes the validator. Pattern tables are compiled once at
// construction; inspection itself holds no state.
type Config struct {
	// MaxSourceBytes is the decode ceiling. Payloads above it are not
	// inspected and yield a single unparseable block finding.
	MaxSourceBytes int64
	// CustomDenyPatterns are extra regexps applied to every language,
	// reported as block-severity denylisted calls.
	CustomDenyPatterns []string
}

// DefaultConfig returns the default validator settings.
func DefaultConfig() Config {
	return Config{MaxSourceBytes: 256 << 10}
}

// Validator inspects task payloads for dangerous patterns before execution.
// Inspection is pure and deterministic: identical payloads always produce
// identical findings, and no call touches the filesystem or network.
type Validator struct {
	rules     map[types.Language][]Rule
	universal []Rule
	custom    []Rule
	maxSource int64
	logger    *zap.Logger
}

// New compiles the pattern tables. Invalid custom patterns are skipped with
// a warning rather than failing construction.
func New(cfg Config, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = DefaultConfig().MaxSourceBytes
	}

	v := &Validator{
		rules:     defaultRules(),
		universal: universalRules(),
		maxSource: cfg.MaxSourceBytes,
		logger:    logger.With(zap.String("component", "security")),
	}

	for _, p := range cfg.CustomDenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			v.logger.Warn("skipping invalid custom deny pattern",
				zap.String("pattern", p),
				zap.Error(err))
			continue
		}
		v.custom = append(v.custom, Rule{
			Pattern:     re,
			Kind:        types.FindingDenylistedCall,
			Severity:    types.SeverityBlock,
			Description: "custom deny pattern",
		})
	}

	return v
}

// Inspect scans the payload and returns every finding, ordered by source
// position. Clean input returns an empty slice. Input that cannot be decoded
// at all returns a single unparseable block finding.
func (v *Validator) Inspect(payload types.Payload) []types.Finding {
	source := payload.Source

	if f, bad := v.checkDecodable(source); bad {
		return []types.Finding{f}
	}

	langRules := v.rules[payload.Language]

	// Rule groups scan concurrently; regexps are safe for concurrent use.
	// Results merge into one deterministic, position-sorted slice.
	var (
		g         errgroup.Group
		byLang    []types.Finding
		byUni     []types.Finding
		byCustom  []types.Finding
		heuristic []types.Finding
	)
	g.Go(func() error {
		byLang = scanRules(source, langRules)
		return nil
	})
	g.Go(func() error {
		byUni = scanRules(source, v.universal)
		return nil
	})
	g.Go(func() error {
		byCustom = scanRules(source, v.custom)
		return nil
	})
	g.Go(func() error {
		heuristic = heuristicFindings(source)
		return nil
	})
	_ = g.Wait()

	findings := make([]types.Finding, 0, len(byLang)+len(byUni)+len(byCustom)+len(heuristic))
	findings = append(findings, byLang...)
	findings = append(findings, byUni...)
	findings = append(findings, byCustom...)
	findings = append(findings, heuristic...)

	if len(langRules) == 0 {
		// Unrecognized languages still get universal inspection; the gap is
		// surfaced as info, never block.
		findings = append(findings, types.Finding{
			Kind:     types.FindingUnknown,
			Severity: types.SeverityInfo,
			Rule:     "no inspection rules for language " + string(payload.Language),
			Line:     1,
			Column:   1,
		})
	}

	sortFindings(findings)
	return findings
}

// checkDecodable classifies input the scanner cannot work on at all.
func (v *Validator) checkDecodable(source string) (types.Finding, bool) {
	switch {
	case int64(len(source)) > v.maxSource:
		return types.Finding{
			Kind:     types.FindingUnparseable,
			Severity: types.SeverityBlock,
			Rule:     "source exceeds decode ceiling",
			Line:     1,
			Column:   1,
		}, true
	case strings.ContainsRune(source, 0):
		return types.Finding{
			Kind:     types.FindingUnparseable,
			Severity: types.SeverityBlock,
			Rule:     "source contains NUL bytes",
			Line:     1,
			Column:   1,
		}, true
	case !utf8.ValidString(source):
		return types.Finding{
			Kind:     types.FindingUnparseable,
			Severity: types.SeverityBlock,
			Rule:     "source is not valid UTF-8",
			Line:     1,
			Column:   1,
		}, true
	}
	return types.Finding{}, false
}

// scanRules runs every rule against the source and records all matches.
func scanRules(source string, rules []Rule) []types.Finding {
	var findings []types.Finding
	for _, rule := range rules {
		locs := rule.Pattern.FindAllStringIndex(source, -1)
		for _, loc := range locs {
			line, col := lineCol(source, loc[0])
			findings = append(findings, types.Finding{
				Kind:     rule.Kind,
				Severity: rule.Severity,
				Rule:     rule.Description,
				Line:     line,
				Column:   col,
				Match:    clip(source[loc[0]:loc[1]]),
			})
		}
	}
	return findings
}

// sortFindings orders by position, then severity (block first), then rule
// text, so identical payloads always produce identical slices.
func sortFindings(findings []types.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.Rule < b.Rule
	})
}

// lineCol converts a byte offset to 1-based line and column.
func lineCol(source string, offset int) (int, int) {
	line := 1 + strings.Count(source[:offset], "\n")
	col := offset - strings.LastIndexByte(source[:offset], '\n')
	return line, col
}

const maxMatchLen = 80

// clip bounds matched text carried in findings.
func clip(s string) string {
	if len(s) <= maxMatchLen {
		return s
	}
	return s[:maxMatchLen]
}
