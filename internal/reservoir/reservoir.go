// Package reservoir keeps a size-bounded, statistically representative
// sample of traces from an unbounded stream.
package reservoir

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
)

// EvictionReason explains why a resident trace was replaced.
type EvictionReason string

const (
	ReasonRandomSample        EvictionReason = "random_sample"
	ReasonTimeDecay           EvictionReason = "time_decay"
	ReasonStratifiedRebalance EvictionReason = "stratified_rebalance"
)

// EvictionEvent describes one replacement.
type EvictionEvent struct {
	EvictedID     string         `json:"evicted_trace_id"`
	ReplacementID string         `json:"replacement_trace_id"`
	Reason        EvictionReason `json:"reason"`
	ReservoirSize int            `json:"reservoir_size"`
	TotalSeen     uint64         `json:"total_seen"`
}

// Stats summarizes the reservoir contents.
type Stats struct {
	TotalSeen     uint64 `json:"total_seen"`
	CurrentSize   int    `json:"current_size"`
	ErrorCount    int    `json:"error_count"`
	SlowCount     int    `json:"slow_count"`
	EvictionCount uint64 `json:"eviction_count"`
}

// stratum is one independently sampled sub-reservoir.
type stratum struct {
	traces   []corpus.Trace
	capacity int
	seen     uint64
	reason   EvictionReason
}

// Reservoir is a bounded trace sample. It is not safe for concurrent use;
// callers feeding it from several goroutines must serialize Add.
type Reservoir struct {
	cfg    Config
	logger *zap.Logger
	rng    *rand.Rand

	// main holds every trace for uniform and time_decay, and the normal
	// stratum for stratified.
	main   stratum
	errors stratum
	slow   stratum

	totalSeen     uint64
	evictionCount uint64
	onEviction    func(EvictionEvent)
}

// New creates a reservoir from a validated configuration.
func New(cfg Config, logger *zap.Logger) (*Reservoir, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reservoir config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Strategy = cfg.strategy()

	r := &Reservoir{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	if cfg.Strategy == StrategyStratified {
		errorCap := cfg.MaxSize / 5
		slowCap := cfg.MaxSize / 10
		r.errors = stratum{capacity: errorCap, reason: ReasonStratifiedRebalance}
		r.slow = stratum{capacity: slowCap, reason: ReasonStratifiedRebalance}
		r.main = stratum{capacity: cfg.MaxSize - errorCap - slowCap, reason: ReasonRandomSample}
	} else {
		r.main = stratum{capacity: cfg.MaxSize, reason: ReasonRandomSample}
	}
	r.main.traces = make([]corpus.Trace, 0, min(r.main.capacity, 4096))

	logger.Debug("Reservoir created",
		zap.Int("max_size", cfg.MaxSize),
		zap.String("strategy", string(cfg.Strategy)),
		zap.Int64("seed", cfg.Seed))
	return r, nil
}

// OnEviction registers an observer called synchronously for every eviction.
// The observer must not call back into the reservoir.
func (r *Reservoir) OnEviction(fn func(EvictionEvent)) {
	r.onEviction = fn
}

// Add offers a trace to the reservoir and returns the eviction it caused, if
// any.
func (r *Reservoir) Add(t corpus.Trace) *EvictionEvent {
	r.totalSeen++

	switch r.cfg.Strategy {
	case StrategyStratified:
		return r.addStratified(t)
	case StrategyTimeDecay:
		return r.addTimeDecay(t)
	default:
		return r.addAlgorithmR(&r.main, r.totalSeen, t)
	}
}

// addAlgorithmR appends while s has room, then replaces slot j with
// probability capacity/seen.
func (r *Reservoir) addAlgorithmR(s *stratum, seen uint64, t corpus.Trace) *EvictionEvent {
	if len(s.traces) < s.capacity {
		s.traces = append(s.traces, t)
		return nil
	}
	if s.capacity == 0 {
		return nil
	}
	j := r.rng.Int63n(int64(seen))
	if j >= int64(s.capacity) {
		return nil
	}
	return r.replace(s, int(j), t, s.reason)
}

func (r *Reservoir) addStratified(t corpus.Trace) *EvictionEvent {
	var s *stratum
	switch {
	case r.cfg.PreserveErrors && t.Errored() && r.errors.capacity > 0:
		s = &r.errors
	case r.isSlow(&t) && r.slow.capacity > 0:
		s = &r.slow
	default:
		s = &r.main
	}
	s.seen++
	return r.addAlgorithmR(s, s.seen, t)
}

func (r *Reservoir) addTimeDecay(t corpus.Trace) *EvictionEvent {
	s := &r.main
	if len(s.traces) < s.capacity {
		s.traces = append(s.traces, t)
		return nil
	}

	now, ok := t.StartTime()
	if !ok {
		now = r.totalSeen * 1_000_000
	}
	halfLife := float64(r.cfg.halfLife())

	minWeight := math.MaxFloat64
	minIdx := 0
	for i := range s.traces {
		started, _ := s.traces[i].StartTime()
		var age uint64
		if now > started {
			age = now - started
		}
		w := math.Exp(-math.Ln2 * float64(age) / halfLife)
		if w < minWeight {
			minWeight, minIdx = w, i
		}
	}

	// The incoming trace has weight 1.
	if r.rng.Float64() >= 1/(1+minWeight) {
		return nil
	}
	return r.replace(s, minIdx, t, ReasonTimeDecay)
}

func (r *Reservoir) replace(s *stratum, idx int, t corpus.Trace, reason EvictionReason) *EvictionEvent {
	evicted := s.traces[idx]
	s.traces[idx] = t
	r.evictionCount++

	ev := &EvictionEvent{
		EvictedID:     evicted.ID,
		ReplacementID: t.ID,
		Reason:        reason,
		ReservoirSize: r.Len(),
		TotalSeen:     r.totalSeen,
	}
	if r.onEviction != nil {
		r.onEviction(*ev)
	}
	return ev
}

func (r *Reservoir) isSlow(t *corpus.Trace) bool {
	return r.cfg.SlowThreshold > 0 && t.Duration >= r.cfg.SlowThreshold
}

// Len returns the number of resident traces.
func (r *Reservoir) Len() int {
	return len(r.main.traces) + len(r.errors.traces) + len(r.slow.traces)
}

// Cap returns the configured maximum size.
func (r *Reservoir) Cap() int {
	return r.cfg.MaxSize
}

// Config returns the effective configuration.
func (r *Reservoir) Config() Config {
	return r.cfg
}

// Stats returns counters for the current contents. For the stratified
// strategy the error and slow counts are the stratum sizes.
func (r *Reservoir) Stats() Stats {
	st := Stats{
		TotalSeen:     r.totalSeen,
		CurrentSize:   r.Len(),
		EvictionCount: r.evictionCount,
	}
	if r.cfg.Strategy == StrategyStratified {
		st.ErrorCount = len(r.errors.traces)
		st.SlowCount = len(r.slow.traces)
		return st
	}
	for i := range r.main.traces {
		if r.main.traces[i].Errored() {
			st.ErrorCount++
		}
		if r.isSlow(&r.main.traces[i]) {
			st.SlowCount++
		}
	}
	return st
}

// Traces returns a copy of the resident traces: the main sample first, then
// the error and slow strata.
func (r *Reservoir) Traces() []corpus.Trace {
	out := make([]corpus.Trace, 0, r.Len())
	out = append(out, r.main.traces...)
	out = append(out, r.errors.traces...)
	return append(out, r.slow.traces...)
}

// IntoCorpus returns the resident traces as a corpus.
func (r *Reservoir) IntoCorpus() *corpus.Corpus {
	return corpus.New(r.Traces()...)
}

// StratumSeen counts the traces offered to each stratum of a stratified
// reservoir. Checkpoints carry it so a restored reservoir keeps replacing
// with the same probabilities.
type StratumSeen struct {
	Normal uint64 `json:"normal"`
	Errors uint64 `json:"errors"`
	Slow   uint64 `json:"slow"`
}

// StratumSeen returns the per-stratum counts, or false for strategies that
// sample a single pool.
func (r *Reservoir) StratumSeen() (StratumSeen, bool) {
	if r.cfg.Strategy != StrategyStratified {
		return StratumSeen{}, false
	}
	return StratumSeen{Normal: r.main.seen, Errors: r.errors.seen, Slow: r.slow.seen}, true
}

// Restore seeds an empty reservoir with previously sampled traces, for
// example from a checkpoint. Traces beyond capacity are offered through Add.
//
// For the stratified strategy seen gives each stratum's count. When it is
// nil the counts are estimated by scaling each stratum's share of the
// restored traces up to totalSeen.
func (r *Reservoir) Restore(traces []corpus.Trace, totalSeen uint64, seen *StratumSeen) {
	for _, t := range traces {
		r.Add(t)
	}
	restored := r.totalSeen
	if totalSeen > r.totalSeen {
		r.totalSeen = totalSeen
	}
	if r.cfg.Strategy != StrategyStratified {
		return
	}

	if seen != nil {
		r.main.seen = max(r.main.seen, seen.Normal)
		r.errors.seen = max(r.errors.seen, seen.Errors)
		r.slow.seen = max(r.slow.seen, seen.Slow)
		return
	}
	if restored == 0 || r.totalSeen <= restored {
		return
	}
	scale := float64(r.totalSeen) / float64(restored)
	for _, s := range []*stratum{&r.main, &r.errors, &r.slow} {
		s.seen = max(s.seen, uint64(float64(s.seen)*scale))
	}
}
