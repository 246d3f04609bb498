package corpus

import (
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

// FromTraces converts OTLP trace data into a corpus. Spans are grouped by
// trace ID; traces appear in the order their first span was seen.
func FromTraces(td ptrace.Traces) *Corpus {
	order := make([]string, 0)
	grouped := make(map[string][]Span)

	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		service := ""
		if v, ok := rs.Resource().Attributes().Get(AttrServiceName); ok && v.Type() == pcommon.ValueTypeStr {
			service = v.Str()
		}

		sss := rs.ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			spans := sss.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				span := spans.At(k)
				traceID := span.TraceID().String()
				if _, seen := grouped[traceID]; !seen {
					order = append(order, traceID)
				}
				grouped[traceID] = append(grouped[traceID], ConvertSpan(span, service))
			}
		}
	}

	c := New()
	for _, id := range order {
		c.Add(FromSpans(id, grouped[id]))
	}
	return c
}

// ConvertSpan converts a pdata span into the corpus model.
func ConvertSpan(span ptrace.Span, service string) Span {
	start := uint64(span.StartTimestamp())
	end := uint64(span.EndTimestamp())
	var duration uint64
	if end > start {
		duration = end - start
	}

	out := Span{
		SpanID:            span.SpanID().String(),
		Name:              span.Name(),
		Service:           service,
		Duration:          durationFromNanos(duration),
		StartTimeUnixNano: start,
		Kind:              SpanKind(span.Kind()),
		Status:            StatusCode(span.Status().Code()),
		StatusMessage:     span.Status().Message(),
	}
	if !span.ParentSpanID().IsEmpty() {
		out.ParentSpanID = span.ParentSpanID().String()
	}

	if span.Attributes().Len() > 0 {
		out.Attributes = make(map[string]any, span.Attributes().Len())
		span.Attributes().Range(func(k string, v pcommon.Value) bool {
			if converted, ok := convertValue(v); ok {
				out.Attributes[k] = converted
			}
			return true
		})
	}
	return out
}

func convertValue(v pcommon.Value) (any, bool) {
	switch v.Type() {
	case pcommon.ValueTypeStr:
		return v.Str(), true
	case pcommon.ValueTypeInt:
		return v.Int(), true
	case pcommon.ValueTypeDouble:
		return v.Double(), true
	case pcommon.ValueTypeBool:
		return v.Bool(), true
	case pcommon.ValueTypeBytes:
		return v.AsString(), true
	case pcommon.ValueTypeSlice:
		var out []string
		s := v.Slice()
		for i := 0; i < s.Len(); i++ {
			if s.At(i).Type() == pcommon.ValueTypeStr {
				out = append(out, s.At(i).Str())
			}
		}
		return out, len(out) > 0
	default:
		// Nested maps are skipped.
		return nil, false
	}
}
