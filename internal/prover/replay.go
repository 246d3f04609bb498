package prover

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/policy"
)

// DefaultWindow is the replay bucket width.
const DefaultWindow = time.Second

// NoMatchRule is the RuleHits key for traces no rule matched.
const NoMatchRule = "(no match)"

// ReplayConfig controls corpus replay.
type ReplayConfig struct {
	// Window is the bucket width. Zero means DefaultWindow.
	Window time.Duration `mapstructure:"window" yaml:"window"`
	// BudgetPerSecond is the kept-traces ceiling per window second.
	// Zero disables budget checks.
	BudgetPerSecond float64 `mapstructure:"budget_per_second" yaml:"budget_per_second"`
}

// DefaultReplayConfig returns one-second windows and no budget.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{Window: DefaultWindow}
}

func (c ReplayConfig) Validate() error {
	var errs error
	if c.Window < 0 {
		errs = multierr.Append(errs, fmt.Errorf("window must not be negative, got %s", c.Window))
	}
	if c.BudgetPerSecond < 0 || math.IsNaN(c.BudgetPerSecond) {
		errs = multierr.Append(errs, fmt.Errorf("budget_per_second must not be negative, got %v", c.BudgetPerSecond))
	}
	return errs
}

func (c ReplayConfig) window() time.Duration {
	if c.Window <= 0 {
		return DefaultWindow
	}
	return c.Window
}

// ReplayWindow holds the counts for one time bucket. StartNs and EndNs are
// relative to the start of the corpus.
type ReplayWindow struct {
	Index         uint64  `json:"index"`
	StartNs       uint64  `json:"start_ns"`
	EndNs         uint64  `json:"end_ns"`
	TraceCount    int     `json:"trace_count"`
	ErrorCount    int     `json:"error_count"`
	KeptCount     int     `json:"kept_count"`
	DroppedCount  int     `json:"dropped_count"`
	Throughput    float64 `json:"throughput"`
	ExceedsBudget bool    `json:"exceeds_budget"`
	OverBudgetBy  float64 `json:"over_budget_by"`
}

func newReplayWindow(index uint64, width uint64) *ReplayWindow {
	return &ReplayWindow{Index: index, StartNs: index * width, EndNs: (index + 1) * width}
}

func (w *ReplayWindow) finish(width time.Duration, budget float64) {
	w.Throughput = float64(w.KeptCount) / width.Seconds()
	if budget > 0 && w.Throughput > budget {
		w.ExceedsBudget = true
		w.OverBudgetBy = w.Throughput - budget
	}
}

// ReplaySummary aggregates the windows.
type ReplaySummary struct {
	AvgThroughput         float64 `json:"avg_throughput"`
	PeakThroughput        float64 `json:"peak_throughput"`
	MinThroughput         float64 `json:"min_throughput"`
	ThroughputStdDev      float64 `json:"throughput_std_dev"`
	OverallSampleRate     float64 `json:"overall_sample_rate"`
	ErrorRate             float64 `json:"error_rate"`
	WindowCount           int     `json:"window_count"`
	WindowsOverBudget     int     `json:"windows_over_budget"`
	PercentTimeOverBudget float64 `json:"percent_time_over_budget"`
}

// ReplayTimeRange spans the earliest and latest trace starts.
type ReplayTimeRange struct {
	StartNs     uint64 `json:"start_ns"`
	EndNs       uint64 `json:"end_ns"`
	DurationNs  uint64 `json:"duration_ns"`
	DurationStr string `json:"duration_str"`
}

func newReplayTimeRange(start, end uint64) *ReplayTimeRange {
	d := uint64(0)
	if end > start {
		d = end - start
	}
	return &ReplayTimeRange{
		StartNs:     start,
		EndNs:       end,
		DurationNs:  d,
		DurationStr: time.Duration(d).String(),
	}
}

// ReplayResult is what Replayer.Replay returns.
type ReplayResult struct {
	TotalTraces  int `json:"total_traces"`
	TotalKept    int `json:"total_kept"`
	TotalDropped int `json:"total_dropped"`
	TotalErrors  int `json:"total_errors"`
	// Windows are sorted by index; empty windows are omitted.
	Windows    []ReplayWindow `json:"windows"`
	Violations []ReplayWindow `json:"violations,omitempty"`
	Summary    ReplaySummary  `json:"summary"`
	// TimeRange is nil when no trace carries a timestamp.
	TimeRange *ReplayTimeRange `json:"time_range,omitempty"`
	// RuleHits counts the traces each rule decided.
	RuleHits map[string]int `json:"rule_hits"`
}

func (r ReplayResult) IsCompliant() bool {
	return len(r.Violations) == 0
}

// Replayer applies a policy to a corpus in timestamp order.
type Replayer struct {
	cfg    ReplayConfig
	logger *zap.Logger
}

func NewReplayer(cfg ReplayConfig, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{cfg: cfg, logger: logger}
}

// Replay buckets the corpus into windows and decides every trace.
func (r *Replayer) Replay(p *policy.Policy, c *corpus.Corpus) (ReplayResult, error) {
	if c.IsEmpty() {
		return ReplayResult{}, fmt.Errorf("%w: corpus is empty", ErrInvalidCorpus)
	}
	if err := r.cfg.Validate(); err != nil {
		return ReplayResult{}, fmt.Errorf("invalid replay config: %w", err)
	}

	width := r.cfg.window()
	traces := c.SortedByTime()
	res := ReplayResult{TotalTraces: len(traces), RuleHits: make(map[string]int)}

	var base uint64
	if start, end, ok := c.TimeRange(); ok {
		res.TimeRange = newReplayTimeRange(start, end)
		base = start
	}

	eng := newEngine(p, r.logger)
	byIndex := make(map[uint64]*ReplayWindow)
	for i := range traces {
		t := &traces[i]
		ts, ok := t.StartTime()
		if !ok {
			ts = base
		}
		var rel uint64
		if ts > base {
			rel = ts - base
		}
		idx := rel / uint64(width)
		w, ok := byIndex[idx]
		if !ok {
			w = newReplayWindow(idx, uint64(width))
			byIndex[idx] = w
		}

		w.TraceCount++
		if t.Errored() {
			w.ErrorCount++
			res.TotalErrors++
		}
		d := eng.decide(t)
		if d.Kept {
			w.KeptCount++
			res.TotalKept++
		} else {
			w.DroppedCount++
			res.TotalDropped++
		}
		if d.Matched() {
			res.RuleHits[d.Rule]++
		} else {
			res.RuleHits[NoMatchRule]++
		}
	}

	res.Windows = make([]ReplayWindow, 0, len(byIndex))
	for _, w := range byIndex {
		w.finish(width, r.cfg.BudgetPerSecond)
		res.Windows = append(res.Windows, *w)
	}
	sort.Slice(res.Windows, func(i, j int) bool { return res.Windows[i].Index < res.Windows[j].Index })
	for _, w := range res.Windows {
		if w.ExceedsBudget {
			res.Violations = append(res.Violations, w)
		}
	}
	res.Summary = summarizeWindows(res)

	r.logger.Debug("Replayed corpus",
		zap.Int("traces", res.TotalTraces),
		zap.Int("kept", res.TotalKept),
		zap.Int("windows", len(res.Windows)),
		zap.Int("violations", len(res.Violations)))
	return res, nil
}

func summarizeWindows(res ReplayResult) ReplaySummary {
	s := ReplaySummary{
		WindowCount:       len(res.Windows),
		WindowsOverBudget: len(res.Violations),
	}
	if res.TotalTraces > 0 {
		s.OverallSampleRate = float64(res.TotalKept) / float64(res.TotalTraces)
		s.ErrorRate = float64(res.TotalErrors) / float64(res.TotalTraces)
	}
	if len(res.Windows) == 0 {
		return s
	}

	n := float64(len(res.Windows))
	s.MinThroughput = math.Inf(1)
	total := 0.0
	for _, w := range res.Windows {
		total += w.Throughput
		s.PeakThroughput = math.Max(s.PeakThroughput, w.Throughput)
		s.MinThroughput = math.Min(s.MinThroughput, w.Throughput)
	}
	s.AvgThroughput = total / n

	variance := 0.0
	for _, w := range res.Windows {
		d := w.Throughput - s.AvgThroughput
		variance += d * d
	}
	s.ThroughputStdDev = math.Sqrt(variance / n)
	s.PercentTimeOverBudget = float64(s.WindowsOverBudget) / n * 100
	return s
}
