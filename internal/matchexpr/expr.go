// Package matchexpr parses and evaluates the boolean predicate language used
// by sampling rules, for example
//
//	status >= 500
//	duration > 2s && service == "checkout"
//	http.route starts-with /api || error == true
//
// The grammar is a top-level split rather than a full precedence parser:
// "true" matches everything, then the text is split on "||", then on "&&",
// and what remains must be a single "field OP value" condition.
package matchexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
)

var (
	// ErrInvalidMatch is wrapped by every parse failure.
	ErrInvalidMatch = errors.New("invalid match expression")
	// ErrUnsupported is returned when an expression cannot be lowered to a
	// flat AND-only condition set.
	ErrUnsupported = errors.New("unsupported match expression")
)

// ParseError identifies the substring that could not be parsed.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid match expression %q: %s", e.Expr, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrInvalidMatch
}

// Expr is a parsed match expression.
type Expr interface {
	// Match reports whether the expression holds for the trace.
	Match(t *corpus.Trace) bool
	String() string
}

// True matches every trace.
type True struct{}

// And matches when every sub-expression matches.
type And []Expr

// Or matches when any sub-expression matches.
type Or []Expr

// Condition compares one field against a literal value.
type Condition struct {
	Field    string
	Operator Operator
	Value    Value
}

func (True) String() string { return "true" }

func (a And) String() string { return joinExprs(a, " && ") }

func (o Or) String() string { return joinExprs(o, " || ") }

func (c Condition) String() string {
	if c.Operator == OpExists {
		return c.Field + " exists"
	}
	return fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Value)
}

func joinExprs(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
		if _, nested := e.(Condition); !nested {
			if _, isTrue := e.(True); !isTrue {
				parts[i] = "(" + parts[i] + ")"
			}
		}
	}
	return strings.Join(parts, sep)
}

// Operator is a comparison operator.
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpContains
	OpStartsWith
	OpExists
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpContains:
		return "contains"
	case OpStartsWith:
		return "starts-with"
	case OpExists:
		return "exists"
	default:
		return "Operator(" + strconv.Itoa(int(o)) + ")"
	}
}

func (o Operator) ordering() bool {
	return o == OpGt || o == OpGe || o == OpLt || o == OpLe
}

// ValueKind identifies the literal type of a Value.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindDuration
)

// Value is a literal on the right-hand side of a condition.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	// Millis holds KindDuration values.
	Millis uint64
}

// StringValue returns a string literal.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue returns an integer literal.
func IntValue(n int64) Value { return Value{Kind: KindInt, Int: n} }

// FloatValue returns a float literal.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// BoolValue returns a boolean literal.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// DurationValue returns a duration literal in milliseconds.
func DurationValue(ms uint64) Value { return Value{Kind: KindDuration, Millis: ms} }

// Number returns the numeric value of Int, Float and Duration literals.
// Durations are expressed in milliseconds.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	case KindDuration:
		return float64(v.Millis), true
	default:
		return 0, false
	}
}

// Text renders the literal without quoting.
func (v Value) Text() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindDuration:
		return strconv.FormatUint(v.Millis, 10) + "ms"
	default:
		return v.Str
	}
}

func (v Value) String() string {
	if v.Kind == KindString {
		return strconv.Quote(v.Str)
	}
	return v.Text()
}
