package prover

import (
	"fmt"
	"math"
	"time"

	"github.com/deepaksharma/trace-policy-prover/internal/policy"
)

// minSuggestedRate is the floor for any suggested sample rate.
const minSuggestedRate = 0.001

// SimulationPoint is the simulated outcome for one traffic point.
type SimulationPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	IncomingEPS float64   `json:"incoming_eps"`
	KeptEPS     float64   `json:"kept_eps"`
	DroppedEPS  float64   `json:"dropped_eps"`
	// SampleRate is the effective kept/incoming ratio at this point.
	SampleRate      float64 `json:"sample_rate"`
	ExceedsBudget   bool    `json:"exceeds_budget"`
	ErrorEventsKept float64 `json:"error_events_kept"`
}

// BudgetViolation records a point whose kept rate is over budget.
type BudgetViolation struct {
	Timestamp     time.Time `json:"timestamp"`
	BudgetLimit   float64   `json:"budget_limit"`
	ActualEvents  float64   `json:"actual_events"`
	ExcessEvents  float64   `json:"excess_events"`
	ExcessPercent float64   `json:"excess_percent"`
	PointIndex    int       `json:"point_index"`
}

func newBudgetViolation(ts time.Time, budget, actual float64, index int) BudgetViolation {
	excess := math.Max(actual-budget, 0)
	pct := 0.0
	if budget > 0 {
		pct = excess / budget * 100
	}
	return BudgetViolation{
		Timestamp:     ts,
		BudgetLimit:   budget,
		ActualEvents:  actual,
		ExcessEvents:  excess,
		ExcessPercent: pct,
		PointIndex:    index,
	}
}

// SimulationSummary aggregates a timeline.
type SimulationSummary struct {
	TotalIncoming         float64 `json:"total_incoming"`
	TotalKept             float64 `json:"total_kept"`
	TotalDropped          float64 `json:"total_dropped"`
	OverallSampleRate     float64 `json:"overall_sample_rate"`
	PointsOverBudget      int     `json:"points_over_budget"`
	TotalPoints           int     `json:"total_points"`
	PercentTimeOverBudget float64 `json:"percent_time_over_budget"`
	PeakKeptEPS           float64 `json:"peak_kept_eps"`
	AvgKeptEPS            float64 `json:"avg_kept_eps"`
}

// RecommendationKind names the remedy a recommendation proposes.
type RecommendationKind string

const (
	RecommendReduceSampleRate   RecommendationKind = "reduce_sample_rate"
	RecommendIncreaseBudget     RecommendationKind = "increase_budget"
	RecommendAddRateLimit       RecommendationKind = "add_rate_limit"
	RecommendPeakHourAdjustment RecommendationKind = "peak_hour_adjustment"
)

// Recommendation is a suggested change that would bring the policy within
// budget.
type Recommendation struct {
	Kind           RecommendationKind `json:"kind"`
	Message        string             `json:"message"`
	SuggestedValue float64            `json:"suggested_value"`
}

// SimulationResult is what Simulator.Simulate returns.
type SimulationResult struct {
	BudgetCompliant bool              `json:"budget_compliant"`
	Violations      []BudgetViolation `json:"violations,omitempty"`
	Timeline        []SimulationPoint `json:"timeline"`
	Summary         SimulationSummary `json:"summary"`
	Recommendations []Recommendation  `json:"recommendations,omitempty"`
}

// PeakViolation returns the violation with the largest excess.
func (r SimulationResult) PeakViolation() (BudgetViolation, bool) {
	if len(r.Violations) == 0 {
		return BudgetViolation{}, false
	}
	peak := r.Violations[0]
	for _, v := range r.Violations[1:] {
		if v.ExcessEvents > peak.ExcessEvents {
			peak = v
		}
	}
	return peak, true
}

// Simulator replays a traffic pattern through a policy's fallback sample
// rate and compares the kept rate to a budget in events per second.
type Simulator struct {
	Budget float64
}

// NewSimulator returns a simulator for the budget. A budget of +Inf never
// reports a violation.
func NewSimulator(budget float64) Simulator {
	return Simulator{Budget: budget}
}

// EffectiveSampleRate is the rate of the first fallback rule with a sample
// action, or 1.0 when there is none.
func EffectiveSampleRate(p *policy.Policy) float64 {
	for _, r := range p.Rules {
		if r.IsFallback() && r.Action.Kind == policy.ActionSample {
			return r.Action.SampleRate
		}
	}
	return 1.0
}

// Simulate computes the kept rate for every point. Error events are always
// kept in full; the rest are scaled by the fallback sample rate.
func (s Simulator) Simulate(p *policy.Policy, tp *TrafficPattern) (SimulationResult, error) {
	if tp.IsEmpty() {
		return SimulationResult{}, fmt.Errorf("%w: traffic pattern is empty", ErrInvalidTraffic)
	}
	rate := EffectiveSampleRate(p)
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return SimulationResult{}, fmt.Errorf("%w: fallback sample rate %v outside [0, 1]", ErrSimulation, rate)
	}

	res := SimulationResult{Timeline: make([]SimulationPoint, 0, tp.Len())}
	var sum SimulationSummary
	for i, pt := range tp.points {
		sp := s.simulatePoint(pt, rate)
		if math.IsNaN(sp.KeptEPS) || math.IsInf(sp.KeptEPS, 0) {
			return SimulationResult{}, fmt.Errorf("%w: non-finite kept rate at point %d", ErrSimulation, i)
		}
		if sp.ExceedsBudget {
			res.Violations = append(res.Violations, newBudgetViolation(pt.Timestamp, s.Budget, sp.KeptEPS, i))
		}
		sum.TotalIncoming += sp.IncomingEPS
		sum.TotalKept += sp.KeptEPS
		sum.PeakKeptEPS = math.Max(sum.PeakKeptEPS, sp.KeptEPS)
		res.Timeline = append(res.Timeline, sp)
	}

	sum.TotalDropped = sum.TotalIncoming - sum.TotalKept
	if sum.TotalIncoming > 0 {
		sum.OverallSampleRate = sum.TotalKept / sum.TotalIncoming
	}
	sum.PointsOverBudget = len(res.Violations)
	sum.TotalPoints = tp.Len()
	sum.PercentTimeOverBudget = float64(sum.PointsOverBudget) / float64(sum.TotalPoints) * 100
	sum.AvgKeptEPS = sum.TotalKept / float64(sum.TotalPoints)

	res.Summary = sum
	res.BudgetCompliant = len(res.Violations) == 0
	res.Recommendations = s.recommend(rate, tp, res)
	return res, nil
}

func (s Simulator) simulatePoint(pt TrafficPoint, rate float64) SimulationPoint {
	errorEvents := pt.EventsPerSecond * pt.ErrorRate
	nonError := pt.EventsPerSecond * (1 - pt.ErrorRate)
	kept := errorEvents + nonError*rate

	effective := 0.0
	if pt.EventsPerSecond > 0 {
		effective = kept / pt.EventsPerSecond
	}
	return SimulationPoint{
		Timestamp:       pt.Timestamp,
		IncomingEPS:     pt.EventsPerSecond,
		KeptEPS:         kept,
		DroppedEPS:      pt.EventsPerSecond - kept,
		SampleRate:      effective,
		ExceedsBudget:   kept > s.Budget,
		ErrorEventsKept: errorEvents,
	}
}

// recommend only proposes changes when the budget was violated.
func (s Simulator) recommend(current float64, tp *TrafficPattern, res SimulationResult) []Recommendation {
	if len(res.Violations) == 0 {
		return nil
	}
	var out []Recommendation

	if res.Summary.PeakKeptEPS > s.Budget {
		if peak := tp.Stats().PeakEPS; peak > 0 {
			suggested := math.Max(s.Budget/peak*0.9, minSuggestedRate)
			if suggested < current {
				out = append(out, Recommendation{
					Kind: RecommendReduceSampleRate,
					Message: fmt.Sprintf("Reduce sample rate from %.1f%% to %.1f%% to stay within budget",
						current*100, suggested*100),
					SuggestedValue: suggested,
				})
			}
		}
	}

	if required := res.Summary.PeakKeptEPS * 1.1; required > s.Budget {
		out = append(out, Recommendation{
			Kind: RecommendIncreaseBudget,
			Message: fmt.Sprintf("Increase budget from %.0f to %.0f events/sec to handle peak traffic",
				s.Budget, required),
			SuggestedValue: required,
		})
	}

	if peak, ok := res.PeakViolation(); ok {
		if errs := res.Timeline[peak.PointIndex].ErrorEventsKept; errs > s.Budget {
			out = append(out, Recommendation{
				Kind: RecommendAddRateLimit,
				Message: fmt.Sprintf("Error traces alone reach %.0f events/sec at %s; add a rate limit to stay within %.0f",
					errs, peak.Timestamp.UTC().Format(time.RFC3339), s.Budget),
				SuggestedValue: s.Budget,
			})
		}
		if peak.ActualEvents > 0 {
			suggested := math.Max(s.Budget/peak.ActualEvents, minSuggestedRate)
			out = append(out, Recommendation{
				Kind: RecommendPeakHourAdjustment,
				Message: fmt.Sprintf("Consider reducing sample rate to %.1f%% during peak hour (%d:00)",
					suggested*100, peak.Timestamp.UTC().Hour()),
				SuggestedValue: suggested,
			})
		}
	}
	return out
}
