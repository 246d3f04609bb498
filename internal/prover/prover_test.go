package prover

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/policy"
)

func newTestProver(t *testing.T, cfg Config) *Prover {
	t.Helper()
	p, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return p
}

func errorCorpus() *corpus.Corpus {
	return corpus.New(
		corpus.Trace{ID: "ok-1", Status: 200},
		corpus.Trace{ID: "err-1", Status: 500},
		corpus.Trace{ID: "err-2", Status: 503, IsError: true},
	)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{}.Validate())

	_, err := New(Config{AnalysisMode: "psychic"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis_mode")

	p := newTestProver(t, Config{})
	assert.Equal(t, ModeAuto, p.Mode())
}

func TestVerifyValidPolicy(t *testing.T) {
	res, err := newTestProver(t, DefaultConfig()).Verify(samplePolicy(), errorCorpus())
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 4, res.ChecksPassed)
	assert.Equal(t, 4, res.ChecksTotal)
}

func TestVerifyEmptyPolicy(t *testing.T) {
	_, err := newTestProver(t, DefaultConfig()).Verify(policy.New("empty"), corpus.New())
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Contains(t, err.Error(), "policy has no rules")
}

func TestVerifyMissingFallback(t *testing.T) {
	p := policy.New("no-fallback")
	p.AddRule(policy.Rule{Name: "keep-errors", Match: "status >= 500", Action: policy.Keep()})

	res, err := newTestProver(t, DefaultConfig()).Verify(p, corpus.New())
	require.NoError(t, err)
	assert.True(t, res.IsRejected())
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CheckFallback, res.Violations[0].Check)
	assert.Equal(t, 3, res.ChecksPassed)
}

func TestVerifyErrorHandling(t *testing.T) {
	strict := newTestProver(t, Config{RequireErrorHandling: true})

	dropAll := policy.New("drop-all")
	dropAll.AddRule(policy.Rule{Name: "drop-all", Match: "true", Action: policy.Drop()})
	res, err := strict.Verify(dropAll, corpus.New())
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CheckErrorHandling, res.Violations[0].Check)
	assert.Contains(t, res.Violations[0].Message, "Rule 'drop-all' could drop error traces")

	drop4xx := policy.New("drop-4xx")
	drop4xx.AddRule(policy.Rule{Name: "drop-4xx", Match: "status >= 400", Action: policy.Drop(), Priority: 50})
	drop4xx.AddRule(policy.Rule{Name: "keep-errors", Match: "status >= 500", Action: policy.Keep(), Priority: 10})
	drop4xx.AddRule(policy.Rule{Name: "fallback", Match: "true", Action: policy.Sample(0.1)})
	res, err = strict.Verify(drop4xx, corpus.New())
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0].Message, "drop-4xx")

	noHandling := policy.New("sample-only")
	noHandling.AddRule(policy.Rule{Name: "fallback", Match: "true", Action: policy.Sample(0.1)})
	res, err = strict.Verify(noHandling, corpus.New())
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CheckErrorHandling, res.Violations[0].Check)

	res, err = strict.Verify(samplePolicy(), corpus.New())
	require.NoError(t, err)
	assert.True(t, res.IsApproved())

	// Not required: the same sample-only policy passes.
	res, err = newTestProver(t, DefaultConfig()).Verify(noHandling, corpus.New())
	require.NoError(t, err)
	assert.True(t, res.IsApproved())
}

func TestVerifyMustKeepCoverage(t *testing.T) {
	p := policy.New("sample-only")
	p.AddRule(policy.Rule{Name: "fallback", Match: "true", Action: policy.Sample(0.01)})

	res, err := newTestProver(t, DefaultConfig()).Verify(p, errorCorpus())
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CheckMustKeepCoverage, res.Violations[0].Check)
	assert.Contains(t, res.Violations[0].Message, "2 of 2 error traces")

	// A keep-errors rule that only covers 500 leaves the 503 uncovered.
	narrow := policy.New("narrow")
	narrow.AddRule(policy.Rule{Name: "keep-500", Match: "status == 500", Action: policy.Keep(), Priority: 10})
	narrow.AddRule(policy.Rule{Name: "fallback", Match: "true", Action: policy.Sample(0.01)})
	res, err = newTestProver(t, DefaultConfig()).Verify(narrow, errorCorpus())
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0].Message, "1 of 2 error traces (first: err-2)")
}

func TestVerifyBudget(t *testing.T) {
	p := samplePolicy().WithBudget(5000)

	res, err := newTestProver(t, Config{MaxBudget: 1000}).Verify(p, corpus.New())
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CheckBudgetCompliance, res.Violations[0].Check)
	assert.Equal(t, "Policy budget 5000 exceeds maximum 1000", res.Violations[0].Message)

	res, err = newTestProver(t, Config{MaxBudget: 10000}).Verify(p, corpus.New())
	require.NoError(t, err)
	assert.True(t, res.IsApproved())

	res, err = newTestProver(t, DefaultConfig()).Verify(p, corpus.New())
	require.NoError(t, err)
	assert.True(t, res.IsApproved())
}

func TestAnalyzeModes(t *testing.T) {
	traffic := mustPattern(t, TrafficPoint{Timestamp: t0, EventsPerSecond: 1000, ErrorRate: 0.01})
	pol := fallbackPolicy(0.01)

	tests := []struct {
		mode       AnalysisMode
		traffic    *TrafficPattern
		static     bool
		simulated  bool
		confidence Confidence
	}{
		{mode: ModeAuto, traffic: traffic, static: true, simulated: true, confidence: ConfidenceHigh},
		{mode: ModeAuto, traffic: nil, static: true, confidence: ConfidenceMedium},
		{mode: ModeStatic, traffic: traffic, static: true, confidence: ConfidenceMedium},
		{mode: ModeDynamic, traffic: traffic, simulated: true, confidence: ConfidenceHigh},
		{mode: ModeDynamic, traffic: nil, confidence: ConfidenceLow},
	}
	for _, tt := range tests {
		p := newTestProver(t, Config{MaxBudget: 1000, AnalysisMode: tt.mode})
		res, err := p.Analyze(pol, errorCorpus(), tt.traffic)
		require.NoError(t, err)
		assert.Equal(t, tt.static, res.Static != nil, "mode %s", tt.mode)
		assert.Equal(t, tt.simulated, res.Simulation != nil, "mode %s", tt.mode)
		assert.Equal(t, tt.confidence, res.Confidence, "mode %s", tt.mode)
		assert.Equal(t, StatusApproved, res.Result.Status, "mode %s", tt.mode)
		assert.True(t, res.AllPassed())
	}
}

func TestAnalyzeBudgetWarnings(t *testing.T) {
	traffic := mustPattern(t,
		TrafficPoint{Timestamp: t0, EventsPerSecond: 1000, ErrorRate: 0.01},
		TrafficPoint{Timestamp: t0.Add(time.Hour), EventsPerSecond: 50000, ErrorRate: 0.02},
	)
	pol := fallbackPolicy(0.1)

	res, err := newTestProver(t, Config{MaxBudget: 1000}).Analyze(pol, errorCorpus(), traffic)
	require.NoError(t, err)
	assert.Equal(t, StatusApprovedWithWarnings, res.Result.Status)
	assert.Equal(t, ConfidenceMedium, res.Confidence)
	assert.False(t, res.SimulationCompliant())
	assert.False(t, res.AllPassed())
	require.Len(t, res.Result.Warnings, 1)
	assert.Equal(t, "budget-simulation", res.Result.Warnings[0].Check)
	assert.Contains(t, res.Result.Warnings[0].Message, "exceeds budget 1000")

	strict, err := newTestProver(t, Config{MaxBudget: 1000, Strict: true}).Analyze(pol, errorCorpus(), traffic)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, strict.Result.Status)
}

func TestAnalyzeStrictIgnoresInfo(t *testing.T) {
	pol := policy.New("disjunction")
	pol.AddRule(policy.Rule{Name: "keep-errors", Match: "status >= 500 || is_error == true", Action: policy.Keep(), Priority: 100})
	pol.AddRule(policy.Rule{Name: "fallback", Match: "true", Action: policy.Sample(0.1)})

	res, err := newTestProver(t, Config{Strict: true, AnalysisMode: ModeStatic}).Analyze(pol, errorCorpus(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusApprovedWithWarnings, res.Result.Status)
	require.Len(t, res.Result.Warnings, 1)
	assert.Equal(t, SeverityInfo, res.Result.Warnings[0].Severity)
}

func TestProverAnalyzeEmptyPolicy(t *testing.T) {
	_, err := newTestProver(t, DefaultConfig()).Analyze(policy.New("empty"), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestSimulateTrafficBudgetSource(t *testing.T) {
	traffic := mustPattern(t, TrafficPoint{Timestamp: t0, EventsPerSecond: 10000})
	pol := fallbackPolicy(0.5)

	// No ceiling and no policy budget: unbounded.
	sim, err := newTestProver(t, DefaultConfig()).SimulateTraffic(pol, traffic)
	require.NoError(t, err)
	assert.True(t, sim.BudgetCompliant)

	// The policy's own budget applies when no ceiling is configured.
	sim, err = newTestProver(t, DefaultConfig()).SimulateTraffic(fallbackPolicy(0.5).WithBudget(1000), traffic)
	require.NoError(t, err)
	assert.False(t, sim.BudgetCompliant)

	_, err = newTestProver(t, DefaultConfig()).SimulateTraffic(pol, nil)
	assert.ErrorIs(t, err, ErrInvalidTraffic)
}

func TestVerifyWithTrafficAndReplay(t *testing.T) {
	p := newTestProver(t, Config{MaxBudget: 1000})
	traffic := mustPattern(t, TrafficPoint{Timestamp: t0, EventsPerSecond: 500})

	verdict, sim, err := p.VerifyWithTraffic(samplePolicy(), errorCorpus(), traffic)
	require.NoError(t, err)
	assert.True(t, verdict.IsApproved())
	assert.True(t, sim.BudgetCompliant)

	_, _, err = p.VerifyWithTraffic(policy.New("empty"), errorCorpus(), traffic)
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	rep, err := p.ReplayCorpus(samplePolicy(), errorCorpus(), DefaultReplayConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalTraces)
	assert.Equal(t, 2, rep.TotalErrors)
	assert.Equal(t, 2, rep.RuleHits["keep-errors"])
}

const unnamedRulesPolicy = `name: unnamed
rules:
  - match: status >= 500
    action: keep
    priority: 100
  - name: fallback
    match: "true"
    action: sample
    rate: 0.01
`

func TestVerifyUnnamedKeepRule(t *testing.T) {
	pol, err := policy.Load(strings.NewReader(unnamedRulesPolicy))
	require.NoError(t, err)
	c := corpus.New(
		timedTrace("e1", 0, 500),
		timedTrace("ok", 100*time.Millisecond, 200),
	)

	res, err := newTestProver(t, DefaultConfig()).Verify(pol, c)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status, res.Violations)

	rep := replay(t, pol, c, DefaultReplayConfig())
	assert.Equal(t, 1, rep.RuleHits["rule-1"])
	assert.Equal(t, 1, rep.RuleHits["fallback"])
	assert.NotContains(t, rep.RuleHits, NoMatchRule)
}

func TestVerifyUnnamedUnparseableDropRule(t *testing.T) {
	pol := policy.New("unnamed-drop")
	pol.AddRule(policy.Rule{Match: "status >= 500", Action: policy.Keep(), Priority: 100})
	pol.AddRule(policy.Rule{Match: "error", Action: policy.Drop(), Priority: 50})
	pol.AddRule(policy.Rule{Name: "fallback", Match: "true", Action: policy.Sample(0.1)})

	res, err := newTestProver(t, Config{RequireErrorHandling: true}).Verify(pol, corpus.New())
	require.NoError(t, err)
	assert.True(t, res.IsRejected())
	require.Len(t, res.Violations, 1)
	assert.Equal(t, CheckErrorHandling, res.Violations[0].Check)
	assert.Contains(t, res.Violations[0].Message, "rule-2")
}
