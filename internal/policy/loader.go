package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument is returned when a policy document cannot be turned into
// a Policy value.
var ErrInvalidDocument = errors.New("invalid policy document")

type ruleDocument struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Match       string   `yaml:"match"`
	Action      string   `yaml:"action"`
	Rate        *float64 `yaml:"rate"`
	Priority    int      `yaml:"priority"`
}

type policyDocument struct {
	Version int            `yaml:"version"`
	Name    string         `yaml:"name"`
	Budget  uint64         `yaml:"budget_per_second"`
	Rules   []ruleDocument `yaml:"rules"`
}

// LoadFile reads a YAML policy fixture from disk.
func LoadFile(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	p, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Load decodes a YAML policy fixture of the form
//
//	name: checkout
//	budget_per_second: 1000
//	rules:
//	  - name: keep-errors
//	    match: status >= 500
//	    action: keep
//	    priority: 100
//	  - name: fallback
//	    match: "true"
//	    action: sample
//	    rate: 0.1
func Load(r io.Reader) (*Policy, error) {
	var doc policyDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	p := New(doc.Name)
	if doc.Version > 0 {
		p.Version = doc.Version
	}
	p.BudgetPerSecond = doc.Budget

	var errs error
	for i, rd := range doc.Rules {
		rule, err := rd.toRule()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rule %d (%q): %w", i, rd.Name, err))
			continue
		}
		p.AddRule(rule)
	}
	if errs != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, errs)
	}
	return p, nil
}

func (rd ruleDocument) toRule() (Rule, error) {
	if rd.Priority < 0 || rd.Priority > 255 {
		return Rule{}, fmt.Errorf("priority must be within [0, 255], got %d", rd.Priority)
	}
	if strings.TrimSpace(rd.Match) == "" {
		return Rule{}, errors.New("match must be specified")
	}

	var action Action
	switch strings.ToLower(strings.TrimSpace(rd.Action)) {
	case "keep":
		action = Keep()
	case "drop":
		action = Drop()
	case "sample":
		if rd.Rate == nil {
			return Rule{}, errors.New("sample action requires a rate")
		}
		action = Sample(*rd.Rate)
	default:
		return Rule{}, fmt.Errorf("unknown action %q", rd.Action)
	}
	if err := action.Validate(); err != nil {
		return Rule{}, err
	}

	return Rule{
		Name:        rd.Name,
		Description: rd.Description,
		Match:       strings.TrimSpace(rd.Match),
		Action:      action,
		Priority:    uint8(rd.Priority),
	}, nil
}
