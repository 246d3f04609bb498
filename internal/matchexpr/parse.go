package matchexpr

import (
	"math"
	"strconv"
	"strings"
)

// Operators are probed in this order so that two-character operators win
// over their one-character prefixes.
var operatorTokens = []struct {
	text string
	op   Operator
}{
	{">=", OpGe},
	{"<=", OpLe},
	{"!=", OpNe},
	{"==", OpEq},
	{">", OpGt},
	{"<", OpLt},
	{"=", OpEq},
	{"contains", OpContains},
	{"starts-with", OpStartsWith},
	{"exists", OpExists},
}

// MustParse is like Parse but panics on error.
func MustParse(input string) Expr {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

// Parse turns match text into an expression tree.
func Parse(input string) (Expr, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return nil, &ParseError{Expr: input, Reason: "empty expression"}
	}
	if err := checkBalanced(text); err != nil {
		return nil, err
	}
	text = stripOuterParens(text)

	if strings.EqualFold(text, "true") {
		return True{}, nil
	}
	if parts, ok := splitLogical(text, "||"); ok {
		exprs, err := parseOperands(text, parts)
		if err != nil {
			return nil, err
		}
		return Or(exprs), nil
	}
	if parts, ok := splitLogical(text, "&&"); ok {
		exprs, err := parseOperands(text, parts)
		if err != nil {
			return nil, err
		}
		return And(exprs), nil
	}
	return parseCondition(text)
}

func parseOperands(whole string, parts []string) ([]Expr, error) {
	exprs := make([]Expr, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, &ParseError{Expr: whole, Reason: "empty operand"}
		}
		e, err := Parse(part)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

// scanner walks text tracking quote state so that operators and parentheses
// inside string literals are ignored. A quote only opens a literal at the
// start of a token, so o'brien stays a raw value.
type scanner struct {
	quote byte
	prev  byte
}

// visible reports whether c is outside a quoted literal, updating the quote
// state as it goes. It must be called for every byte in order.
func (s *scanner) visible(c byte) bool {
	prev := s.prev
	s.prev = c
	if s.quote != 0 {
		if c == s.quote {
			s.quote = 0
		}
		return false
	}
	if (c == '"' || c == '\'') && startsToken(prev) {
		s.quote = c
		return false
	}
	return true
}

func startsToken(prev byte) bool {
	return prev == 0 || strings.IndexByte(" \t\r\n=!<>(&|", prev) >= 0
}

func checkBalanced(text string) error {
	var sc scanner
	depth := 0
	for i := 0; i < len(text); i++ {
		if !sc.visible(text[i]) {
			continue
		}
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return &ParseError{Expr: text, Reason: "unbalanced ')' at offset " + strconv.Itoa(i)}
			}
		}
	}
	if sc.quote != 0 {
		return &ParseError{Expr: text, Reason: "unterminated quoted string"}
	}
	if depth != 0 {
		return &ParseError{Expr: text, Reason: "unclosed '('"}
	}
	return nil
}

// stripOuterParens removes parentheses that wrap the whole text.
func stripOuterParens(text string) string {
	for len(text) >= 2 && text[0] == '(' && text[len(text)-1] == ')' {
		var sc scanner
		depth := 0
		closes := -1
		for i := 0; i < len(text); i++ {
			if !sc.visible(text[i]) {
				continue
			}
			if text[i] == '(' {
				depth++
			} else if text[i] == ')' {
				depth--
				if depth == 0 {
					closes = i
					break
				}
			}
		}
		if closes != len(text)-1 {
			return text
		}
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	return text
}

// splitLogical splits text on op at parenthesis depth zero. ok is false when
// op does not occur at the top level.
func splitLogical(text, op string) (parts []string, ok bool) {
	var sc scanner
	depth := 0
	start := 0
	for i := 0; i < len(text); i++ {
		if !sc.visible(text[i]) {
			continue
		}
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(text[i:], op) {
				parts = append(parts, strings.TrimSpace(text[start:i]))
				i += len(op) - 1
				start = i + 1
			}
		}
	}
	if len(parts) == 0 {
		return nil, false
	}
	return append(parts, strings.TrimSpace(text[start:])), true
}

func indexOutsideQuotes(text, token string) int {
	var sc scanner
	for i := 0; i < len(text); i++ {
		if !sc.visible(text[i]) {
			continue
		}
		if strings.HasPrefix(text[i:], token) {
			return i
		}
	}
	return -1
}

func parseCondition(text string) (Expr, error) {
	for _, tok := range operatorTokens {
		idx := indexOutsideQuotes(text, tok.text)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(text[:idx])
		rest := strings.TrimSpace(text[idx+len(tok.text):])
		if field == "" {
			return nil, &ParseError{Expr: text, Reason: "missing field before " + strconv.Quote(tok.text)}
		}
		if tok.op == OpExists {
			return Condition{Field: field, Operator: OpExists, Value: BoolValue(true)}, nil
		}
		if rest == "" {
			return nil, &ParseError{Expr: text, Reason: "missing value after " + strconv.Quote(tok.text)}
		}
		return Condition{Field: field, Operator: tok.op, Value: ParseValue(rest)}, nil
	}
	return nil, &ParseError{Expr: text, Reason: "no valid operator found"}
}

// ParseValue interprets a literal as, in order: boolean, duration (ms, s or
// m suffix), quoted string, integer, float, and finally a raw string.
func ParseValue(s string) Value {
	s = strings.TrimSpace(s)

	if strings.EqualFold(s, "true") {
		return BoolValue(true)
	}
	if strings.EqualFold(s, "false") {
		return BoolValue(false)
	}
	if ms, ok := parseDurationMillis(s); ok {
		return DurationValue(ms)
	}
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return StringValue(s[1 : len(s)-1])
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return FloatValue(f)
	}
	return StringValue(s)
}

func parseDurationMillis(s string) (uint64, bool) {
	if v, ok := strings.CutSuffix(s, "ms"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	scale := 0.0
	var v string
	if cut, ok := strings.CutSuffix(s, "s"); ok {
		v, scale = cut, 1000
	} else if cut, ok := strings.CutSuffix(s, "m"); ok {
		v, scale = cut, 60*1000
	} else {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return uint64(f * scale), true
}
