package corpus

import (
	"sort"
)

// Corpus is an ordered collection of traces. Insertion order is preserved.
type Corpus struct {
	traces []Trace
}

// New returns a corpus holding the given traces.
func New(traces ...Trace) *Corpus {
	c := &Corpus{traces: make([]Trace, 0, len(traces))}
	c.traces = append(c.traces, traces...)
	return c
}

// Add appends a trace.
func (c *Corpus) Add(t Trace) {
	c.traces = append(c.traces, t)
}

// Len returns the number of traces.
func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.traces)
}

// IsEmpty reports whether the corpus holds no traces.
func (c *Corpus) IsEmpty() bool {
	return c.Len() == 0
}

// Traces returns the traces in insertion order. The slice must not be
// modified.
func (c *Corpus) Traces() []Trace {
	if c == nil {
		return nil
	}
	return c.traces
}

// Filter returns a new corpus with the traces matching keep.
func (c *Corpus) Filter(keep func(*Trace) bool) *Corpus {
	out := New()
	for i := range c.Traces() {
		if keep(&c.traces[i]) {
			out.Add(c.traces[i])
		}
	}
	return out
}

// Errors returns the traces that count as errors.
func (c *Corpus) Errors() *Corpus {
	return c.Filter((*Trace).Errored)
}

// SortedByTime returns the traces ordered by start time. Traces without a
// start time sort first as if they started at zero; ties keep insertion
// order.
func (c *Corpus) SortedByTime() []Trace {
	sorted := make([]Trace, c.Len())
	copy(sorted, c.Traces())
	sort.SliceStable(sorted, func(i, j int) bool {
		a, _ := sorted[i].StartTime()
		b, _ := sorted[j].StartTime()
		return a < b
	})
	return sorted
}

// TimeRange returns the earliest and latest trace start times among traces
// that have one.
func (c *Corpus) TimeRange() (min, max uint64, ok bool) {
	for i := range c.Traces() {
		start, has := c.traces[i].StartTime()
		if !has {
			continue
		}
		if !ok {
			min, max, ok = start, start, true
			continue
		}
		if start < min {
			min = start
		}
		if start > max {
			max = start
		}
	}
	return min, max, ok
}
