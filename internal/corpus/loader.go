package corpus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/collector/pdata/ptrace"
)

// ErrUnknownFormat is returned when the input format cannot be detected.
var ErrUnknownFormat = errors.New("unknown corpus format")

// Format names an on-disk corpus encoding.
type Format string

const (
	FormatAuto      Format = ""
	FormatOTLPProto Format = "otlp-proto"
	FormatOTLPJSON  Format = "otlp-json"
	FormatJSON      Format = "json"
	FormatNDJSON    Format = "ndjson"
)

// LoadFile reads a corpus from disk. With FormatAuto the format is chosen
// from the file extension and then from the content.
func LoadFile(path string, format Format) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus file: %w", err)
	}
	if format == FormatAuto {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pb", ".proto", ".bin":
			format = FormatOTLPProto
		case ".ndjson", ".jsonl":
			format = FormatNDJSON
		}
	}
	c, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Decode parses a corpus from raw bytes.
func Decode(data []byte, format Format) (*Corpus, error) {
	if format == FormatAuto {
		format = detect(data)
	}
	switch format {
	case FormatOTLPProto:
		td, err := (&ptrace.ProtoUnmarshaler{}).UnmarshalTraces(data)
		if err != nil {
			return nil, fmt.Errorf("otlp protobuf decode: %w", err)
		}
		return FromTraces(td), nil
	case FormatOTLPJSON:
		td, err := (&ptrace.JSONUnmarshaler{}).UnmarshalTraces(data)
		if err != nil {
			return nil, fmt.Errorf("otlp json decode: %w", err)
		}
		return FromTraces(td), nil
	case FormatJSON:
		return decodeJSON(data)
	case FormatNDJSON:
		return decodeNDJSON(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func detect(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return FormatJSON
	}
	switch trimmed[0] {
	case '[':
		return FormatJSON
	case '{':
		if bytes.Contains(trimmed, []byte(`"resourceSpans"`)) {
			return FormatOTLPJSON
		}
		// One object per line is newline-delimited; a single wrapper object
		// is plain JSON.
		if first, _, found := bytes.Cut(trimmed, []byte("\n")); found && json.Valid(bytes.TrimSpace(first)) {
			return FormatNDJSON
		}
		return FormatJSON
	default:
		return FormatOTLPProto
	}
}

type rawTrace struct {
	TraceID    string  `json:"trace_id"`
	DurationMs *uint64 `json:"duration_ms"`
	Duration   *string `json:"duration"`
	Status     *int    `json:"status"`
	Service    *string `json:"service"`
	Endpoint   *string `json:"endpoint"`
	IsError    *bool   `json:"is_error"`
	Error      *bool   `json:"error"`
	StartTime  *uint64 `json:"start_time_unix_nano"`
	Spans      []Span  `json:"spans"`
}

var rawKnownFields = map[string]bool{
	"trace_id": true, "duration_ms": true, "duration": true, "status": true,
	"service": true, "endpoint": true, "is_error": true, "error": true,
	"start_time_unix_nano": true, "spans": true,
	AttrHTTPStatusCode: true, AttrServiceName: true, AttrHTTPRoute: true,
}

func decodeJSON(data []byte) (*Corpus, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapper struct {
			Traces []json.RawMessage `json:"traces"`
		}
		if werr := json.Unmarshal(data, &wrapper); werr != nil {
			return nil, fmt.Errorf("json decode: %w", err)
		}
		items = wrapper.Traces
	}

	c := New()
	for i, item := range items {
		t, err := decodeRawTrace(item)
		if err != nil {
			return nil, fmt.Errorf("trace %d: %w", i, err)
		}
		c.Add(t)
	}
	return c, nil
}

func decodeNDJSON(data []byte) (*Corpus, error) {
	c := New()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		t, err := decodeRawTrace(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		c.Add(t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ndjson read: %w", err)
	}
	return c, nil
}

func decodeRawTrace(data []byte) (Trace, error) {
	var raw rawTrace
	if err := json.Unmarshal(data, &raw); err != nil {
		return Trace{}, err
	}
	var extra map[string]any
	if err := json.Unmarshal(data, &extra); err != nil {
		return Trace{}, err
	}
	if raw.TraceID == "" {
		return Trace{}, errors.New("trace_id is required")
	}

	var t Trace
	if len(raw.Spans) > 0 {
		t = FromSpans(raw.TraceID, raw.Spans)
	} else {
		t = Trace{ID: raw.TraceID}
	}

	switch {
	case raw.DurationMs != nil:
		t.Duration = time.Duration(*raw.DurationMs) * time.Millisecond
	case raw.Duration != nil:
		d, err := parseDuration(*raw.Duration)
		if err != nil {
			return Trace{}, err
		}
		t.Duration = d
	}

	status := raw.Status
	if status == nil {
		if n, ok := extra[AttrHTTPStatusCode].(float64); ok {
			code := int(n)
			status = &code
		}
	}
	if status != nil {
		t.Status = *status
		t.IsError = *status >= 500
	}

	if raw.Service != nil {
		t.Service = *raw.Service
	} else if s, ok := extra[AttrServiceName].(string); ok {
		t.Service = s
	}
	if raw.Endpoint != nil {
		t.Endpoint = *raw.Endpoint
	} else if s, ok := extra[AttrHTTPRoute].(string); ok {
		t.Endpoint = s
	}

	if raw.IsError != nil {
		t.IsError = *raw.IsError
	} else if raw.Error != nil {
		t.IsError = *raw.Error
	}
	if raw.StartTime != nil {
		t.StartTimeUnixNano = *raw.StartTime
	}

	for k, v := range extra {
		if rawKnownFields[k] {
			continue
		}
		switch v.(type) {
		case string, float64, bool:
		default:
			continue
		}
		if t.Attributes == nil {
			t.Attributes = make(map[string]string)
		}
		t.Attributes[k] = AttributeString(v)
	}
	return t, nil
}

// parseDuration accepts "150ms", "2.5s", "1m" or a bare millisecond count.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseUint(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func durationFromNanos(n uint64) time.Duration {
	const maxDuration = uint64(1<<63 - 1)
	if n > maxDuration {
		n = maxDuration
	}
	return time.Duration(n)
}
