package corpusbuilder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

func bufferSpan(trace, span byte) ptrace.Span {
	s := ptrace.NewSpan()
	s.SetTraceID(traceID(trace))
	s.SetSpanID(spanID(span))
	s.SetName("op")
	return s
}

func TestTraceBufferGroupsSpans(t *testing.T) {
	tb := NewTraceBuffer(10, time.Second, zap.NewNop())

	tb.AddSpan(bufferSpan(1, 1), "api", base)
	tb.AddSpan(bufferSpan(1, 2), "api", base)
	tb.AddSpan(bufferSpan(2, 3), "db", base)

	assert.Equal(t, 2, tb.Size())
	assert.Equal(t, 3, tb.SpanCount())

	// Spans without a trace ID are ignored.
	tb.AddSpan(ptrace.NewSpan(), "api", base)
	assert.Equal(t, 2, tb.Size())
}

func TestTraceBufferCompleted(t *testing.T) {
	tb := NewTraceBuffer(10, time.Second, zap.NewNop())
	tb.AddSpan(bufferSpan(2, 1), "api", base)
	tb.AddSpan(bufferSpan(1, 2), "api", base)
	tb.AddSpan(bufferSpan(3, 3), "api", base.Add(800*time.Millisecond))

	assert.Empty(t, tb.Completed(base.Add(500*time.Millisecond)))

	done := tb.Completed(base.Add(time.Second))
	require.Len(t, done, 2)
	assert.Equal(t, traceID(1).String(), done[0].ID)
	assert.Equal(t, traceID(2).String(), done[1].ID)
	assert.Equal(t, "api", done[0].Service)
	assert.Equal(t, 1, tb.Size())

	// A late span refreshes the trace.
	tb.AddSpan(bufferSpan(3, 4), "api", base.Add(1500*time.Millisecond))
	assert.Empty(t, tb.Completed(base.Add(2*time.Second)))

	rest := tb.Drain()
	require.Len(t, rest, 1)
	assert.Len(t, rest[0].Spans, 2)
	assert.Zero(t, tb.Size())
	assert.Nil(t, tb.Drain())
}

func TestTraceBufferEvictsOldest(t *testing.T) {
	evictions := atomic.NewInt64(0)
	tb := NewTraceBuffer(2, time.Minute, nil)
	tb.SetEvictionCounter(evictions)

	tb.AddSpan(bufferSpan(1, 1), "api", base)
	tb.AddSpan(bufferSpan(2, 2), "api", base.Add(time.Second))
	// Adding to an existing trace never evicts.
	tb.AddSpan(bufferSpan(1, 3), "api", base.Add(2*time.Second))
	assert.Zero(t, evictions.Load())

	tb.AddSpan(bufferSpan(3, 4), "api", base.Add(3*time.Second))
	assert.Equal(t, int64(1), evictions.Load())
	assert.Equal(t, 2, tb.Size())

	ids := map[string]bool{}
	for _, tr := range tb.Drain() {
		ids[tr.ID] = true
	}
	assert.True(t, ids[traceID(1).String()])
	assert.True(t, ids[traceID(3).String()])
	assert.False(t, ids[traceID(2).String()])
}
