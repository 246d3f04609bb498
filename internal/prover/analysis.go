package prover

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deepaksharma/trace-policy-prover/internal/matchexpr"
	"github.com/deepaksharma/trace-policy-prover/internal/policy"
)

// AnalysisMode selects which analyses the prover runs.
type AnalysisMode string

const (
	ModeStatic  AnalysisMode = "static"
	ModeDynamic AnalysisMode = "dynamic"
	ModeAuto    AnalysisMode = "auto"
)

// IncludesStatic reports whether the mode runs rule-level analysis.
// The empty mode behaves as auto.
func (m AnalysisMode) IncludesStatic() bool {
	return m == ModeStatic || m == ModeAuto || m == ""
}

// IncludesDynamic reports whether the mode runs traffic simulation.
func (m AnalysisMode) IncludesDynamic() bool {
	return m == ModeDynamic || m == ModeAuto || m == ""
}

func (m AnalysisMode) valid() bool {
	switch m {
	case ModeStatic, ModeDynamic, ModeAuto, "":
		return true
	}
	return false
}

// ConflictType classifies a pair of interfering rules.
type ConflictType string

const (
	// ConflictShadowed means the later rule can never decide a trace.
	ConflictShadowed ConflictType = "shadowed"
	// ConflictOverlapping means the rules look at the same fields with a
	// keep/drop disagreement.
	ConflictOverlapping ConflictType = "overlapping"
	// ConflictContradictory means identical match text with a keep/drop
	// disagreement.
	ConflictContradictory ConflictType = "contradictory"
)

// RuleConflict names two rules that interfere. RuleA is evaluated first.
type RuleConflict struct {
	RuleA       string       `json:"rule_a"`
	RuleB       string       `json:"rule_b"`
	Type        ConflictType `json:"conflict_type"`
	Description string       `json:"description"`
}

// StaticWarning is a non-blocking finding about one rule, or about the
// policy as a whole when RuleName is "policy".
type StaticWarning struct {
	RuleName   string   `json:"rule_name"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// CoverageAnalysis is the result of a single scan over the rules.
type CoverageAnalysis struct {
	TotalRules        int     `json:"total_rules"`
	KeepRules         int     `json:"keep_rules"`
	DropRules         int     `json:"drop_rules"`
	SampleRules       int     `json:"sample_rules"`
	HasFallback       bool    `json:"has_fallback"`
	HasErrorHandling  bool    `json:"has_error_handling"`
	EstimatedCoverage float64 `json:"estimated_coverage"`
}

// StaticAnalysisResult is what StaticAnalyzer.Analyze returns.
type StaticAnalysisResult struct {
	Passed     bool             `json:"passed"`
	Violations []Violation      `json:"violations,omitempty"`
	Warnings   []StaticWarning  `json:"warnings,omitempty"`
	Coverage   CoverageAnalysis `json:"coverage"`
	Conflicts  []RuleConflict   `json:"conflicts,omitempty"`
	Confidence Confidence       `json:"confidence"`
}

// HasViolation reports whether a violation for the named check was found.
func (r StaticAnalysisResult) HasViolation(check string) bool {
	for _, v := range r.Violations {
		if v.Check == check {
			return true
		}
	}
	return false
}

// errorMarkers are substrings that identify a rule as handling errors.
var errorMarkers = []string{"error", "status >= 500", "status >= 400", "is_error", "exception"}

// fieldTokens are the field names compared when looking for overlaps.
var fieldTokens = []string{"status", "duration", "service", "endpoint", "error", "name"}

// StaticAnalyzer checks a policy without looking at any traffic.
type StaticAnalyzer struct {
	CheckShadowing bool
	CheckOverlaps  bool
	// CheckLowering reports rules whose match text cannot be parsed, or
	// cannot be lowered to flat rule-engine conditions.
	CheckLowering bool
}

// NewStaticAnalyzer returns an analyzer with every check enabled.
func NewStaticAnalyzer() StaticAnalyzer {
	return StaticAnalyzer{CheckShadowing: true, CheckOverlaps: true, CheckLowering: true}
}

// Analyze runs the static checks. It never fails; findings are returned in
// the result.
func (a StaticAnalyzer) Analyze(p *policy.Policy) StaticAnalysisResult {
	coverage := AnalyzeCoverage(p)
	var (
		violations []Violation
		warnings   []StaticWarning
		conflicts  []RuleConflict
	)

	if !coverage.HasFallback {
		violations = append(violations, Critical("missing-fallback", "Policy must have a fallback rule matching 'true'"))
	}
	if !coverage.HasErrorHandling {
		warnings = append(warnings, StaticWarning{
			RuleName:   "policy",
			Severity:   SeverityWarning,
			Message:    "No explicit error handling detected",
			Suggestion: "Add a rule to keep error traces (e.g., status >= 500)",
		})
	}
	if len(p.Rules) == 0 {
		violations = append(violations, Critical("empty-policy", "Policy has no rules"))
	}

	if a.CheckShadowing {
		conflicts = append(conflicts, detectShadowing(p.Rules)...)
	}
	if a.CheckOverlaps {
		conflicts = append(conflicts, detectOverlaps(p.Rules)...)
	}
	for _, c := range conflicts {
		warnings = append(warnings, StaticWarning{
			RuleName:   c.RuleB,
			Severity:   SeverityWarning,
			Message:    c.Description,
			Suggestion: conflictSuggestion(c),
		})
	}
	if a.CheckLowering {
		warnings = append(warnings, loweringWarnings(p.Rules)...)
	}

	res := StaticAnalysisResult{
		Passed:     len(violations) == 0,
		Violations: violations,
		Warnings:   warnings,
		Coverage:   coverage,
		Conflicts:  conflicts,
		Confidence: ConfidenceLow,
	}
	if res.Passed {
		res.Confidence = ConfidenceMedium
	}
	return res
}

// AnalyzeCoverage counts rules per action kind and scores the policy out
// of 100.
func AnalyzeCoverage(p *policy.Policy) CoverageAnalysis {
	c := CoverageAnalysis{TotalRules: len(p.Rules)}
	for _, r := range p.Rules {
		switch r.Action.Kind {
		case policy.ActionKeep:
			c.KeepRules++
		case policy.ActionDrop:
			c.DropRules++
		case policy.ActionSample:
			c.SampleRules++
		}
		if r.IsFallback() {
			c.HasFallback = true
		}
		if isErrorCondition(r.Match) {
			c.HasErrorHandling = true
		}
	}
	c.EstimatedCoverage = coverageScore(c)
	return c
}

func coverageScore(c CoverageAnalysis) float64 {
	score := 0.0
	if c.TotalRules > 0 {
		score += 20
	}
	if c.HasFallback {
		score += 30
	}
	if c.HasErrorHandling {
		score += 20
	}
	for _, n := range []int{c.KeepRules, c.DropRules, c.SampleRules} {
		if n > 0 {
			score += 10
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

func isErrorCondition(match string) bool {
	lower := strings.ToLower(match)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func detectShadowing(rules []policy.Rule) []RuleConflict {
	var out []RuleConflict
	for i, later := range rules {
		for _, earlier := range rules[:i] {
			if shadows(earlier, later) {
				out = append(out, RuleConflict{
					RuleA:       earlier.Name,
					RuleB:       later.Name,
					Type:        ConflictShadowed,
					Description: fmt.Sprintf("Rule '%s' is shadowed by an earlier rule", later.Name),
				})
			}
		}
	}
	return out
}

func shadows(a, b policy.Rule) bool {
	if a.Priority < b.Priority {
		return false
	}
	return a.IsFallback() || a.Match == b.Match
}

func detectOverlaps(rules []policy.Rule) []RuleConflict {
	var out []RuleConflict
	for i, a := range rules {
		for _, b := range rules[i+1:] {
			if c, ok := overlap(a, b); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func overlap(a, b policy.Rule) (RuleConflict, bool) {
	if a.Action == b.Action || !contradictory(a.Action, b.Action) {
		return RuleConflict{}, false
	}
	if !conditionsOverlap(a.Match, b.Match) {
		return RuleConflict{}, false
	}
	typ := ConflictOverlapping
	if a.Match == b.Match {
		typ = ConflictContradictory
	}
	return RuleConflict{
		RuleA:       a.Name,
		RuleB:       b.Name,
		Type:        typ,
		Description: fmt.Sprintf("Rules '%s' and '%s' have overlapping conditions with contradictory actions", a.Name, b.Name),
	}, true
}

func contradictory(a, b policy.Action) bool {
	return (a.Kind == policy.ActionKeep && b.Kind == policy.ActionDrop) ||
		(a.Kind == policy.ActionDrop && b.Kind == policy.ActionKeep)
}

func conditionsOverlap(a, b string) bool {
	if a == policy.FallbackMatch || b == policy.FallbackMatch {
		return true
	}
	for _, f := range fieldTokens {
		if strings.Contains(a, f) && strings.Contains(b, f) {
			return true
		}
	}
	return false
}

func conflictSuggestion(c RuleConflict) string {
	switch c.Type {
	case ConflictShadowed:
		return fmt.Sprintf("Raise the priority of '%s' above '%s' or remove it", c.RuleB, c.RuleA)
	default:
		return fmt.Sprintf("Narrow the match of '%s' or '%s' so they no longer disagree", c.RuleA, c.RuleB)
	}
}

// loweringWarnings parses and lowers every rule. Unparseable rules never
// match during replay, so they are worth a warning. Disjunctions only
// affect the flat rule-engine export and are informational.
func loweringWarnings(rules []policy.Rule) []StaticWarning {
	var out []StaticWarning
	for _, r := range rules {
		_, err := matchexpr.Compile(r.Match)
		switch {
		case err == nil:
		case errors.Is(err, matchexpr.ErrUnsupported):
			out = append(out, StaticWarning{
				RuleName:   r.Name,
				Severity:   SeverityInfo,
				Message:    fmt.Sprintf("Rule '%s' cannot be lowered to flat conditions: %v", r.Name, err),
				Suggestion: "Split the disjunction into separate rules",
			})
		default:
			out = append(out, StaticWarning{
				RuleName:   r.Name,
				Severity:   SeverityWarning,
				Message:    fmt.Sprintf("Rule '%s' has an invalid match expression: %v", r.Name, err),
				Suggestion: "Use the form 'field OP value' joined with && or ||",
			})
		}
	}
	return out
}
