package prover

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/matchexpr"
	"github.com/deepaksharma/trace-policy-prover/internal/policy"
)

// Decision is the outcome of applying a policy to one trace.
type Decision struct {
	Kept bool
	// Rule names the deciding rule. Unnamed rules are labelled "rule-N" by
	// their 1-based position in priority order. Empty when nothing matched.
	Rule   string
	Action policy.Action

	matched bool
}

// Matched reports whether some rule decided the trace.
func (d Decision) Matched() bool {
	return d.matched
}

type compiledRule struct {
	rule  policy.Rule
	index int
	label string
	expr  matchexpr.Expr
}

// engine applies a policy's rules in priority order. Rules whose match text
// does not parse are skipped.
type engine struct {
	rules []compiledRule
}

func newEngine(p *policy.Policy, logger *zap.Logger) *engine {
	e := &engine{rules: make([]compiledRule, 0, len(p.Rules))}
	for i, r := range p.Rules {
		label := ruleLabel(r, i)
		expr, err := matchexpr.Parse(r.Match)
		if err != nil {
			logger.Warn("Rule will never match",
				zap.String("rule", label),
				zap.String("match", r.Match),
				zap.Error(err))
			continue
		}
		e.rules = append(e.rules, compiledRule{rule: r, index: i, label: label, expr: expr})
	}
	return e
}

// ruleLabel names the rule at position i of a policy's priority order.
func ruleLabel(r policy.Rule, i int) string {
	if r.Name == "" {
		return fmt.Sprintf("rule-%d", i+1)
	}
	return r.Name
}

// compiled reports whether the rule at position i parsed.
func (e *engine) compiled(i int) bool {
	for _, cr := range e.rules {
		if cr.index == i {
			return true
		}
	}
	return false
}

// decide returns the first matching rule's verdict. Unmatched traces are kept.
func (e *engine) decide(t *corpus.Trace) Decision {
	for _, cr := range e.rules {
		if !cr.expr.Match(t) {
			continue
		}
		d := Decision{Rule: cr.label, Action: cr.rule.Action, matched: true}
		switch cr.rule.Action.Kind {
		case policy.ActionKeep:
			d.Kept = true
		case policy.ActionDrop:
			d.Kept = false
		case policy.ActionSample:
			d.Kept = HashFraction(t.ID) < cr.rule.Action.SampleRate
		}
		return d
	}
	return Decision{Kept: true, Action: policy.Keep()}
}

// HashFraction maps a trace ID to [0, 1) with a fixed hash, so sampling
// decisions are reproducible without a stored seed.
func HashFraction(traceID string) float64 {
	h := xxhash.Sum64String(traceID)
	return float64(h>>11) / (1 << 53)
}
