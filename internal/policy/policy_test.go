package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRuleKeepsPriorityOrder(t *testing.T) {
	p := New("test")
	p.AddRule(Rule{Name: "low", Match: "true", Action: Sample(0.1), Priority: 0})
	p.AddRule(Rule{Name: "high", Match: "status >= 500", Action: Keep(), Priority: 100})
	p.AddRule(Rule{Name: "mid-a", Match: "service == a", Action: Drop(), Priority: 50})
	p.AddRule(Rule{Name: "mid-b", Match: "service == b", Action: Drop(), Priority: 50})

	names := make([]string, 0, len(p.Rules))
	for _, r := range p.Rules {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, names)
}

func TestFallback(t *testing.T) {
	p := New("test")
	assert.False(t, p.HasFallback())

	p.AddRule(Rule{Name: "errors", Match: "status >= 500", Action: Keep(), Priority: 10})
	assert.False(t, p.HasFallback())

	p.AddRule(Rule{Name: "fallback", Match: "true", Action: Sample(0.25)})
	fb, ok := p.Fallback()
	require.True(t, ok)
	assert.Equal(t, "fallback", fb.Name)
	assert.InDelta(t, 0.25, fb.Action.Rate(), 1e-9)
}

func TestActionRate(t *testing.T) {
	assert.Equal(t, 1.0, Keep().Rate())
	assert.Equal(t, 0.0, Drop().Rate())
	assert.Equal(t, 0.3, Sample(0.3).Rate())

	assert.NoError(t, Sample(0).Validate())
	assert.NoError(t, Sample(1).Validate())
	assert.Error(t, Sample(1.5).Validate())
	assert.Error(t, Sample(-0.1).Validate())
	assert.Equal(t, "sample(0.5)", Sample(0.5).String())
}

func TestBudget(t *testing.T) {
	p := New("test")
	_, ok := p.Budget()
	assert.False(t, ok)

	b, ok := p.WithBudget(1000).Budget()
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), b)
}

func TestLoad(t *testing.T) {
	doc := `
name: checkout
budget_per_second: 1000
rules:
  - name: fallback
    match: "true"
    action: sample
    rate: 0.01
  - name: keep-errors
    match: status >= 500
    action: keep
    priority: 100
`
	p, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "checkout", p.Name)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, uint64(1000), p.BudgetPerSecond)
	require.Len(t, p.Rules, 2)
	assert.Equal(t, "keep-errors", p.Rules[0].Name)
	assert.Equal(t, ActionKeep, p.Rules[0].Action.Kind)
	assert.Equal(t, ActionSample, p.Rules[1].Action.Kind)
	assert.True(t, p.HasFallback())
}

func TestLoadRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown action", "rules:\n  - name: a\n    match: \"true\"\n    action: maybe\n"},
		{"sample without rate", "rules:\n  - name: a\n    match: \"true\"\n    action: sample\n"},
		{"rate out of range", "rules:\n  - name: a\n    match: \"true\"\n    action: sample\n    rate: 2\n"},
		{"priority out of range", "rules:\n  - name: a\n    match: \"true\"\n    action: keep\n    priority: 300\n"},
		{"empty match", "rules:\n  - name: a\n    action: keep\n"},
		{"unknown field", "rulez: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}
