package corpus

import (
	"fmt"
	"strconv"
	"time"
)

// SpanKind mirrors the OTLP span kind.
type SpanKind int

const (
	SpanKindUnspecified SpanKind = iota
	SpanKindInternal
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

// StatusCode mirrors the OTLP span status code.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOk
	StatusError
)

// Well-known attribute keys read when summarizing a trace.
const (
	AttrHTTPStatusCode = "http.status_code"
	AttrHTTPRoute      = "http.route"
	AttrServiceName    = "service.name"
)

// Span is a single unit of work within a trace. Attribute values are one of
// string, int64, float64, bool or []string.
type Span struct {
	SpanID            string         `json:"span_id"`
	ParentSpanID      string         `json:"parent_span_id,omitempty"`
	Name              string         `json:"name"`
	Service           string         `json:"service,omitempty"`
	Duration          time.Duration  `json:"duration"`
	StartTimeUnixNano uint64         `json:"start_time_unix_nano"`
	Kind              SpanKind       `json:"kind,omitempty"`
	Status            StatusCode     `json:"status,omitempty"`
	StatusMessage     string         `json:"status_message,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool {
	return s.ParentSpanID == ""
}

// IsError reports whether the span status is an error.
func (s *Span) IsError() bool {
	return s.Status == StatusError
}

// EndTimeUnixNano returns the span end, saturating on overflow.
func (s *Span) EndTimeUnixNano() uint64 {
	if s.Duration <= 0 {
		return s.StartTimeUnixNano
	}
	end := s.StartTimeUnixNano + uint64(s.Duration)
	if end < s.StartTimeUnixNano {
		return ^uint64(0)
	}
	return end
}

// HTTPStatusCode returns the http.status_code attribute when it holds a
// valid integer.
func (s *Span) HTTPStatusCode() (int, bool) {
	v, ok := s.Attributes[AttrHTTPStatusCode]
	if !ok {
		return 0, false
	}
	var code int64
	switch n := v.(type) {
	case int64:
		code = n
	case int:
		code = int64(n)
	case float64:
		// JSON round trips decode numbers as float64.
		if n != float64(int64(n)) {
			return 0, false
		}
		code = int64(n)
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		code = parsed
	default:
		return 0, false
	}
	if code < 0 || code > 65535 {
		return 0, false
	}
	return int(code), true
}

// HTTPRoute returns the http.route attribute when it is a string.
func (s *Span) HTTPRoute() (string, bool) {
	route, ok := s.Attributes[AttrHTTPRoute].(string)
	return route, ok
}

// AttributeString renders an attribute value as text.
func AttributeString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
