package corpusbuilder

import (
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
)

type pendingTrace struct {
	spans       []corpus.Span
	lastUpdated time.Time
}

// TraceBuffer groups spans by trace ID until a trace has been quiet for the
// timeout, at which point it is summarized into a corpus.Trace.
type TraceBuffer struct {
	traces    map[pcommon.TraceID]*pendingTrace
	maxTraces int
	timeout   time.Duration
	logger    *zap.Logger

	// Optional.
	evictionCounter *atomic.Int64

	mu sync.Mutex
}

// NewTraceBuffer creates a new trace buffer with the specified size and timeout
func NewTraceBuffer(maxTraces int, timeout time.Duration, logger *zap.Logger) *TraceBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceBuffer{
		traces:    make(map[pcommon.TraceID]*pendingTrace),
		maxTraces: maxTraces,
		timeout:   timeout,
		logger:    logger,
	}
}

// SetEvictionCounter sets the counter for trace evictions
func (tb *TraceBuffer) SetEvictionCounter(counter *atomic.Int64) {
	tb.evictionCounter = counter
}

// AddSpan buffers a span received at now. Spans without a trace ID are
// skipped.
func (tb *TraceBuffer) AddSpan(span ptrace.Span, service string, now time.Time) {
	traceID := span.TraceID()
	if traceID.IsEmpty() {
		return
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	pt, exists := tb.traces[traceID]
	if !exists {
		if len(tb.traces) >= tb.maxTraces {
			tb.evictOldestTrace()
		}
		pt = &pendingTrace{}
		tb.traces[traceID] = pt
	}
	pt.spans = append(pt.spans, corpus.ConvertSpan(span, service))
	pt.lastUpdated = now
}

// Completed removes and returns every trace that has received no span for
// at least the timeout, ordered by trace ID.
func (tb *TraceBuffer) Completed(now time.Time) []corpus.Trace {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	var done []pcommon.TraceID
	for id, pt := range tb.traces {
		if now.Sub(pt.lastUpdated) >= tb.timeout {
			done = append(done, id)
		}
	}
	return tb.take(done)
}

// Drain removes and returns every buffered trace regardless of age.
func (tb *TraceBuffer) Drain() []corpus.Trace {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	ids := make([]pcommon.TraceID, 0, len(tb.traces))
	for id := range tb.traces {
		ids = append(ids, id)
	}
	return tb.take(ids)
}

// take must be called with the lock held.
func (tb *TraceBuffer) take(ids []pcommon.TraceID) []corpus.Trace {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	out := make([]corpus.Trace, 0, len(ids))
	for _, id := range ids {
		out = append(out, corpus.FromSpans(id.String(), tb.traces[id].spans))
		delete(tb.traces, id)
	}
	return out
}

// Size returns the number of traces in the buffer
func (tb *TraceBuffer) Size() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.traces)
}

// SpanCount returns the total number of spans across all traces
func (tb *TraceBuffer) SpanCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	count := 0
	for _, pt := range tb.traces {
		count += len(pt.spans)
	}
	return count
}

// evictOldestTrace removes the trace with the oldest last update time
func (tb *TraceBuffer) evictOldestTrace() {
	var oldestID pcommon.TraceID
	var oldest *pendingTrace
	for id, pt := range tb.traces {
		if oldest == nil || pt.lastUpdated.Before(oldest.lastUpdated) {
			oldestID, oldest = id, pt
		}
	}
	if oldest == nil {
		return
	}

	tb.logger.Debug("Evicting trace from buffer due to capacity limit",
		zap.Stringer("trace_id", oldestID),
		zap.Time("last_updated", oldest.lastUpdated),
		zap.Int("spans", len(oldest.spans)))

	if tb.evictionCounter != nil {
		tb.evictionCounter.Inc()
	}
	delete(tb.traces, oldestID)
}
