// Package prover verifies trace sampling policies before they are deployed.
//
// Verification combines four structural checks, rule-level static
// analysis, simulation against a traffic pattern and replay of a trace
// corpus. Every analysis is a pure function of its inputs.
package prover

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/policy"
)

// Config controls verification.
type Config struct {
	// MaxBudget is the highest events/second budget a policy may declare.
	// Zero means no ceiling.
	MaxBudget uint64 `mapstructure:"max_budget" yaml:"max_budget"`
	// RequireErrorHandling enables the error-handling check.
	RequireErrorHandling bool         `mapstructure:"require_error_handling" yaml:"require_error_handling"`
	AnalysisMode         AnalysisMode `mapstructure:"analysis_mode" yaml:"analysis_mode"`
	// Strict rejects policies that would otherwise be approved with
	// warnings.
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

// DefaultConfig runs every analysis with no budget ceiling.
func DefaultConfig() Config {
	return Config{AnalysisMode: ModeAuto}
}

func (c Config) Validate() error {
	var errs error
	if !c.AnalysisMode.valid() {
		errs = multierr.Append(errs, fmt.Errorf("analysis_mode must be static, dynamic or auto, got %q", c.AnalysisMode))
	}
	return errs
}

// AnalysisResult combines every analysis the configured mode ran.
type AnalysisResult struct {
	Mode   AnalysisMode `json:"mode"`
	Result Result       `json:"result"`
	// Static is nil when the mode skips static analysis.
	Static *StaticAnalysisResult `json:"static,omitempty"`
	// Simulation is nil when the mode skips it or no traffic was given.
	Simulation *SimulationResult `json:"simulation,omitempty"`
	Confidence Confidence        `json:"confidence"`
}

func (r AnalysisResult) IsApproved() bool {
	return r.Result.IsApproved()
}

func (r AnalysisResult) StaticPassed() bool {
	return r.Static == nil || r.Static.Passed
}

func (r AnalysisResult) SimulationCompliant() bool {
	return r.Simulation == nil || r.Simulation.BudgetCompliant
}

// AllPassed reports approval with no static violation and no budget breach.
func (r AnalysisResult) AllPassed() bool {
	return r.IsApproved() && r.StaticPassed() && r.SimulationCompliant()
}

// Prover runs the verification pipeline.
type Prover struct {
	cfg      Config
	logger   *zap.Logger
	analyzer StaticAnalyzer
}

// New creates a prover from a validated configuration.
func New(cfg Config, logger *zap.Logger) (*Prover, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prover config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AnalysisMode == "" {
		cfg.AnalysisMode = ModeAuto
	}
	return &Prover{cfg: cfg, logger: logger, analyzer: NewStaticAnalyzer()}, nil
}

func (p *Prover) Mode() AnalysisMode { return p.cfg.AnalysisMode }

// AnalyzeStatic runs rule-level analysis only.
func (p *Prover) AnalyzeStatic(pol *policy.Policy) StaticAnalysisResult {
	return p.analyzer.Analyze(pol)
}

// Analyze runs the analyses selected by the mode. traffic may be nil, in
// which case no simulation is performed.
func (p *Prover) Analyze(pol *policy.Policy, c *corpus.Corpus, traffic *TrafficPattern) (AnalysisResult, error) {
	mode := p.cfg.AnalysisMode
	res := AnalysisResult{Mode: mode}

	verdict, err := p.Verify(pol, c)
	if err != nil {
		return AnalysisResult{}, err
	}

	if mode.IncludesStatic() {
		st := p.AnalyzeStatic(pol)
		res.Static = &st
		for _, w := range st.Warnings {
			verdict.AddWarning(Warning{
				Check:    "static:" + w.RuleName,
				Severity: w.Severity,
				Message:  warningText(w),
			})
		}
	}

	if mode.IncludesDynamic() && traffic != nil {
		sim, err := p.SimulateTraffic(pol, traffic)
		if err != nil {
			return AnalysisResult{}, err
		}
		res.Simulation = &sim
		for _, v := range sim.Violations {
			verdict.AddWarning(Warning{
				Check:    "budget-simulation",
				Severity: SeverityWarning,
				Message: fmt.Sprintf("Kept rate %.0f events/sec exceeds budget %.0f at %s (+%.1f%%)",
					v.ActualEvents, v.BudgetLimit, v.Timestamp.UTC().Format(time.RFC3339), v.ExcessPercent),
			})
		}
	}

	if p.cfg.Strict && verdict.Status == StatusApprovedWithWarnings && hasBlockingWarning(verdict.Warnings) {
		verdict.Status = StatusRejected
	}

	res.Result = verdict
	res.Confidence = confidence(res.Static, res.Simulation)
	p.logger.Info("Policy analyzed",
		zap.String("policy", pol.Name),
		zap.String("mode", string(mode)),
		zap.Stringer("status", verdict.Status),
		zap.Stringer("confidence", res.Confidence),
		zap.Int("warnings", len(verdict.Warnings)))
	return res, nil
}

// Verify runs the four checks. A policy without rules is an error.
func (p *Prover) Verify(pol *policy.Policy, c *corpus.Corpus) (Result, error) {
	if len(pol.Rules) == 0 {
		return Result{}, fmt.Errorf("%w: policy has no rules", ErrInvalidPolicy)
	}
	eng := newEngine(pol, p.logger)

	var violations []Violation
	record := func(v *Violation) {
		if v != nil {
			violations = append(violations, *v)
		}
	}
	record(checkFallback(pol))
	if p.cfg.RequireErrorHandling {
		record(checkErrorHandling(pol, eng))
	}
	record(checkMustKeepCoverage(c, eng))
	record(checkBudget(pol, p.cfg.MaxBudget))

	if len(violations) == 0 {
		return Approved(checkCount), nil
	}
	for _, v := range violations {
		p.logger.Debug("Check failed", zap.String("check", v.Check), zap.String("message", v.Message))
	}
	return Rejected(violations, checkCount-len(violations), checkCount), nil
}

// SimulateTraffic simulates the policy against the budget: the configured
// maximum, else the policy's own budget, else unbounded.
func (p *Prover) SimulateTraffic(pol *policy.Policy, traffic *TrafficPattern) (SimulationResult, error) {
	if traffic.IsEmpty() {
		return SimulationResult{}, fmt.Errorf("%w: traffic pattern is empty", ErrInvalidTraffic)
	}
	return NewSimulator(p.simulationBudget(pol)).Simulate(pol, traffic)
}

// VerifyWithTraffic runs Verify and SimulateTraffic.
func (p *Prover) VerifyWithTraffic(pol *policy.Policy, c *corpus.Corpus, traffic *TrafficPattern) (Result, SimulationResult, error) {
	verdict, err := p.Verify(pol, c)
	if err != nil {
		return Result{}, SimulationResult{}, err
	}
	sim, err := p.SimulateTraffic(pol, traffic)
	if err != nil {
		return Result{}, SimulationResult{}, err
	}
	return verdict, sim, nil
}

// ReplayCorpus replays the corpus through the policy.
func (p *Prover) ReplayCorpus(pol *policy.Policy, c *corpus.Corpus, cfg ReplayConfig) (ReplayResult, error) {
	return NewReplayer(cfg, p.logger).Replay(pol, c)
}

func (p *Prover) simulationBudget(pol *policy.Policy) float64 {
	if p.cfg.MaxBudget > 0 {
		return float64(p.cfg.MaxBudget)
	}
	if b, ok := pol.Budget(); ok {
		return float64(b)
	}
	return math.Inf(1)
}

func confidence(st *StaticAnalysisResult, sim *SimulationResult) Confidence {
	switch {
	case sim != nil && sim.BudgetCompliant:
		return ConfidenceHigh
	case st != nil && st.Passed:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func hasBlockingWarning(ws []Warning) bool {
	for _, w := range ws {
		if w.Severity >= SeverityWarning {
			return true
		}
	}
	return false
}

func warningText(w StaticWarning) string {
	if w.Suggestion == "" {
		return w.Message
	}
	return w.Message + ". " + w.Suggestion
}
