package prover

import (
	"fmt"
	"strings"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/policy"
)

const (
	CheckFallback         = "fallback-rule"
	CheckErrorHandling    = "error-handling"
	CheckMustKeepCoverage = "must-keep-coverage"
	CheckBudgetCompliance = "budget-compliance"

	checkCount = 4
)

// errorProbe stands in for "some error trace" when checking which rule
// decides errors without a corpus.
var errorProbe = corpus.Trace{ID: "error-probe", Status: 500, IsError: true}

func checkFallback(p *policy.Policy) *Violation {
	if p.HasFallback() {
		return nil
	}
	v := Critical(CheckFallback, "Policy has no fallback rule (match: true). Unmatched traces will be dropped.")
	return &v
}

// checkErrorHandling requires an error-handling rule and that no drop rule
// decides an error trace before it.
func checkErrorHandling(p *policy.Policy, eng *engine) *Violation {
	if d := eng.decide(&errorProbe); d.Matched() && d.Action.Kind == policy.ActionDrop {
		v := Critical(CheckErrorHandling,
			fmt.Sprintf("Rule '%s' could drop error traces. Errors must always be kept.", d.Rule))
		return &v
	}
	// Unparseable drop rules are judged by their text.
	for i, r := range p.Rules {
		if r.Action.Kind != policy.ActionDrop || eng.compiled(i) {
			continue
		}
		if strings.Contains(r.Match, "status") || strings.Contains(r.Match, "error") {
			v := Critical(CheckErrorHandling,
				fmt.Sprintf("Rule '%s' could drop error traces. Errors must always be kept.", ruleLabel(r, i)))
			return &v
		}
	}
	if !AnalyzeCoverage(p).HasErrorHandling {
		v := Critical(CheckErrorHandling, "Policy has no rule that handles error traces. Add a rule such as 'status >= 500' -> keep.")
		return &v
	}
	return nil
}

// checkMustKeepCoverage applies the policy to every error trace in the
// corpus. Each one must be decided by a rule that keeps it unconditionally.
func checkMustKeepCoverage(c *corpus.Corpus, eng *engine) *Violation {
	errs := c.Errors()
	if errs.IsEmpty() {
		return nil
	}
	var uncovered []string
	for _, t := range errs.Traces() {
		d := eng.decide(&t)
		if d.Matched() && d.Action.Rate() >= 1 {
			continue
		}
		uncovered = append(uncovered, t.ID)
	}
	if len(uncovered) == 0 {
		return nil
	}
	v := Critical(CheckMustKeepCoverage,
		fmt.Sprintf("Policy may drop %d of %d error traces (first: %s). Add a rule to keep errors.",
			len(uncovered), errs.Len(), uncovered[0]))
	return &v
}

func checkBudget(p *policy.Policy, maxBudget uint64) *Violation {
	budget, ok := p.Budget()
	if !ok || maxBudget == 0 || budget <= maxBudget {
		return nil
	}
	v := Critical(CheckBudgetCompliance, fmt.Sprintf("Policy budget %d exceeds maximum %d", budget, maxBudget))
	return &v
}
