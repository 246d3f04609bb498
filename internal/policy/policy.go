// Package policy holds the sampling policy model evaluated by the prover.
package policy

import (
	"fmt"
	"sort"
)

// FallbackMatch is the match text of a rule that matches every trace.
const FallbackMatch = "true"

// ActionKind identifies what a rule does with a matching trace.
type ActionKind int

const (
	ActionKeep ActionKind = iota
	ActionDrop
	ActionSample
)

// String returns the lower-case name of the kind.
func (k ActionKind) String() string {
	switch k {
	case ActionKeep:
		return "keep"
	case ActionDrop:
		return "drop"
	case ActionSample:
		return "sample"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the outcome a rule applies to a trace it matches.
type Action struct {
	Kind ActionKind `json:"kind"`
	// SampleRate is only meaningful for ActionSample.
	SampleRate float64 `json:"rate,omitempty"`
}

// Keep keeps every matching trace.
func Keep() Action { return Action{Kind: ActionKeep} }

// Drop discards every matching trace.
func Drop() Action { return Action{Kind: ActionDrop} }

// Sample keeps the given fraction of matching traces.
func Sample(rate float64) Action { return Action{Kind: ActionSample, SampleRate: rate} }

// Rate returns the effective keep rate of the action.
func (a Action) Rate() float64 {
	switch a.Kind {
	case ActionKeep:
		return 1.0
	case ActionDrop:
		return 0.0
	default:
		return a.SampleRate
	}
}

// Validate reports an out-of-range sample rate.
func (a Action) Validate() error {
	if a.Kind == ActionSample && (a.SampleRate < 0 || a.SampleRate > 1 || a.SampleRate != a.SampleRate) {
		return fmt.Errorf("sample rate must be within [0, 1], got %v", a.SampleRate)
	}
	return nil
}

func (a Action) String() string {
	if a.Kind == ActionSample {
		return fmt.Sprintf("sample(%g)", a.SampleRate)
	}
	return a.Kind.String()
}

// Rule pairs a match expression with an action. Higher priority rules are
// evaluated first.
type Rule struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Match       string `json:"match"`
	Action      Action `json:"action"`
	Priority    uint8  `json:"priority"`
}

// IsFallback reports whether the rule matches every trace.
func (r Rule) IsFallback() bool {
	return r.Match == FallbackMatch
}

// Policy is an ordered set of rules plus metadata.
type Policy struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
	// BudgetPerSecond is the kept events/second ceiling. Zero means unset.
	BudgetPerSecond uint64 `json:"budget_per_second,omitempty"`
	Rules           []Rule `json:"rules"`
}

// New returns an empty version 1 policy.
func New(name string) *Policy {
	return &Policy{Version: 1, Name: name}
}

// WithBudget sets the events/second budget and returns the policy.
func (p *Policy) WithBudget(perSecond uint64) *Policy {
	p.BudgetPerSecond = perSecond
	return p
}

// AddRule inserts a rule keeping the rules sorted by descending priority.
// Rules with equal priority keep their insertion order.
func (p *Policy) AddRule(r Rule) *Policy {
	p.Rules = append(p.Rules, r)
	sort.SliceStable(p.Rules, func(i, j int) bool {
		return p.Rules[i].Priority > p.Rules[j].Priority
	})
	return p
}

// HasFallback reports whether some rule matches every trace.
func (p *Policy) HasFallback() bool {
	_, ok := p.Fallback()
	return ok
}

// Fallback returns the first rule whose match text is exactly "true".
func (p *Policy) Fallback() (Rule, bool) {
	for _, r := range p.Rules {
		if r.IsFallback() {
			return r, true
		}
	}
	return Rule{}, false
}

// Budget returns the budget and whether one is set.
func (p *Policy) Budget() (uint64, bool) {
	return p.BudgetPerSecond, p.BudgetPerSecond > 0
}
