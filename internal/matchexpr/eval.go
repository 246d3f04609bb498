package matchexpr

import (
	"strconv"
	"strings"
	"time"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
)

// Eval reports whether e matches t.
func Eval(e Expr, t *corpus.Trace) bool {
	return e.Match(t)
}

// Match implements Expr.
func (True) Match(*corpus.Trace) bool { return true }

// Match implements Expr.
func (a And) Match(t *corpus.Trace) bool {
	for _, e := range a {
		if !e.Match(t) {
			return false
		}
	}
	return true
}

// Match implements Expr.
func (o Or) Match(t *corpus.Trace) bool {
	for _, e := range o {
		if e.Match(t) {
			return true
		}
	}
	return false
}

// Match implements Expr. A field the trace does not carry never matches.
func (c Condition) Match(t *corpus.Trace) bool {
	f, ok := lookup(t, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpExists:
		return true
	case OpContains:
		return strings.Contains(f.text(), c.Value.Text())
	case OpStartsWith:
		return strings.HasPrefix(f.text(), c.Value.Text())
	}

	if fn, ok := f.number(); ok {
		if vn, ok := c.Value.Number(); ok {
			return compareNumbers(fn, c.Operator, vn)
		}
	}
	if c.Operator.ordering() {
		return false
	}

	var equal bool
	if fb, ok := f.boolean(); ok && c.Value.Kind == KindBool {
		equal = fb == c.Value.Bool
	} else {
		equal = f.text() == c.Value.Text()
	}
	if c.Operator == OpNe {
		return !equal
	}
	return equal
}

func compareNumbers(a float64, op Operator, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	default:
		return false
	}
}

type fieldKind int

const (
	fieldString fieldKind = iota
	fieldNumber
	fieldBool
)

type fieldValue struct {
	kind fieldKind
	s    string
	n    float64
	b    bool
}

func (f fieldValue) text() string {
	switch f.kind {
	case fieldNumber:
		return strconv.FormatFloat(f.n, 'f', -1, 64)
	case fieldBool:
		return strconv.FormatBool(f.b)
	default:
		return f.s
	}
}

// number treats attribute strings that parse as numbers as numeric.
func (f fieldValue) number() (float64, bool) {
	switch f.kind {
	case fieldNumber:
		return f.n, true
	case fieldString:
		n, err := strconv.ParseFloat(strings.TrimSpace(f.s), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func (f fieldValue) boolean() (bool, bool) {
	switch f.kind {
	case fieldBool:
		return f.b, true
	case fieldString:
		b, err := strconv.ParseBool(f.s)
		return b, err == nil
	default:
		return false, false
	}
}

// lookup resolves well-known trace fields and falls back to the attribute
// map. Durations resolve to milliseconds so that unitless literals and
// duration literals compare alike.
func lookup(t *corpus.Trace, field string) (fieldValue, bool) {
	switch field {
	case "status", "http.status", "http.status_code", "http.response.status_code":
		if !t.HasStatus() {
			break
		}
		return fieldValue{kind: fieldNumber, n: float64(t.Status)}, true
	case "duration", "duration_ms":
		return fieldValue{kind: fieldNumber, n: float64(t.Duration) / float64(time.Millisecond)}, true
	case "service", "service.name":
		if t.Service == "" {
			break
		}
		return fieldValue{kind: fieldString, s: t.Service}, true
	case "endpoint", "operation", "http.route":
		if t.Endpoint == "" {
			break
		}
		return fieldValue{kind: fieldString, s: t.Endpoint}, true
	case "error", "is_error":
		return fieldValue{kind: fieldBool, b: t.Errored()}, true
	}

	if v, ok := t.Attribute(field); ok {
		return fieldValue{kind: fieldString, s: v}, true
	}
	return fieldValue{}, false
}
