package matchexpr

import (
	"fmt"
	"math"
)

// FlatCondition is one entry of an AND-only rule-engine condition set.
// Value is a string, int64 or bool.
type FlatCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Lower flattens e into AND-only conditions. True lowers to no conditions,
// the duration field is renamed to duration_ms, floats are rounded and
// durations become integer milliseconds. Or cannot be expressed and yields
// ErrUnsupported.
func Lower(e Expr) ([]FlatCondition, error) {
	switch v := e.(type) {
	case True:
		return []FlatCondition{}, nil
	case Condition:
		return []FlatCondition{v.lower()}, nil
	case And:
		out := make([]FlatCondition, 0, len(v))
		for _, sub := range v {
			conds, err := Lower(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, conds...)
		}
		return out, nil
	case Or:
		return nil, fmt.Errorf("%w: or expressions need one rule per branch: %s", ErrUnsupported, v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, e)
	}
}

// Compile parses text and lowers it in one step.
func Compile(text string) ([]FlatCondition, error) {
	e, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return Lower(e)
}

func (c Condition) lower() FlatCondition {
	op := c.Operator.String()
	if c.Operator == OpEq {
		op = "="
	}

	var value any
	switch c.Value.Kind {
	case KindInt:
		value = c.Value.Int
	case KindFloat:
		value = int64(math.Round(c.Value.Float))
	case KindBool:
		value = c.Value.Bool
	case KindDuration:
		value = int64(c.Value.Millis)
	default:
		value = c.Value.Str
	}

	field := c.Field
	if field == "duration" {
		field = "duration_ms"
	}
	return FlatCondition{Field: field, Operator: op, Value: value}
}
