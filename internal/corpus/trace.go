// Package corpus models traces and collections of traces that sampling
// policies are verified against.
package corpus

import (
	"time"
)

// Trace is a summarized distributed trace.
type Trace struct {
	ID       string        `json:"trace_id"`
	Duration time.Duration `json:"duration"`
	// Status is the HTTP-like status code, zero when absent.
	Status   int    `json:"status,omitempty"`
	Service  string `json:"service,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	// StartTimeUnixNano is used when the trace carries no spans. Zero means
	// unknown.
	StartTimeUnixNano uint64            `json:"start_time_unix_nano,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Spans             []Span            `json:"spans,omitempty"`
}

// Errored reports whether the trace counts as an error: either flagged
// explicitly or carrying a 5xx status.
func (t *Trace) Errored() bool {
	return t.IsError || t.Status >= 500
}

// HasStatus reports whether a status code is present.
func (t *Trace) HasStatus() bool {
	return t.Status > 0
}

// StartTime returns the earliest span start in nanoseconds since epoch.
func (t *Trace) StartTime() (uint64, bool) {
	if len(t.Spans) == 0 {
		return t.StartTimeUnixNano, t.StartTimeUnixNano > 0
	}
	min := t.Spans[0].StartTimeUnixNano
	for _, s := range t.Spans[1:] {
		if s.StartTimeUnixNano < min {
			min = s.StartTimeUnixNano
		}
	}
	return min, true
}

// Attribute looks up a trace level attribute.
func (t *Trace) Attribute(key string) (string, bool) {
	v, ok := t.Attributes[key]
	return v, ok
}

// FromSpans builds a trace and derives its summary from the spans:
// duration from earliest start to latest end; service, endpoint and status
// from the root span (or the first span when there is no root); and the
// error flag from any errored span or a 5xx status.
func FromSpans(id string, spans []Span) Trace {
	t := Trace{ID: id, Spans: spans}
	if len(spans) == 0 {
		return t
	}

	root := &spans[0]
	for i := range spans {
		if spans[i].IsRoot() {
			root = &spans[i]
			break
		}
	}

	minStart := ^uint64(0)
	var maxEnd uint64
	for i := range spans {
		if spans[i].StartTimeUnixNano < minStart {
			minStart = spans[i].StartTimeUnixNano
		}
		if end := spans[i].EndTimeUnixNano(); end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd > minStart {
		t.Duration = time.Duration(maxEnd - minStart)
	}

	t.Service = root.Service
	if route, ok := root.HTTPRoute(); ok {
		t.Endpoint = route
	} else {
		t.Endpoint = root.Name
	}
	if code, ok := root.HTTPStatusCode(); ok {
		t.Status = code
	}

	if len(root.Attributes) > 0 {
		t.Attributes = make(map[string]string, len(root.Attributes))
		for k, v := range root.Attributes {
			t.Attributes[k] = AttributeString(v)
		}
	}

	for i := range spans {
		if spans[i].IsError() {
			t.IsError = true
			break
		}
	}
	if !t.IsError && t.Status >= 500 {
		t.IsError = true
	}
	return t
}
