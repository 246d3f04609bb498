package prover

import (
	"fmt"
	"strings"
)

// Status is the verdict of a verification run.
type Status int

const (
	StatusApproved Status = iota
	StatusApprovedWithWarnings
	StatusRejected
)

var statusNames = [...]string{"APPROVED", "APPROVED_WITH_WARNINGS", "REJECTED"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText renders the status by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Severity grades a finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityWarning:
		return "WARNING"
	case SeverityInfo:
		return "INFO"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText, case-insensitively.
func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "CRITICAL":
		*s = SeverityCritical
	case "WARNING":
		*s = SeverityWarning
	case "INFO":
		*s = SeverityInfo
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
	return nil
}

// Violation is a failed check. Critical violations reject the policy.
type Violation struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Critical builds a critical violation for the named check.
func Critical(check, message string) Violation {
	return Violation{Check: check, Severity: SeverityCritical, Message: message}
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Check, v.Message)
}

// Warning is a non-blocking finding.
type Warning struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s: %s", w.Severity, w.Check, w.Message)
}

// Result is the outcome of the four-check verification.
type Result struct {
	Status       Status      `json:"status"`
	ChecksPassed int         `json:"checks_passed"`
	ChecksTotal  int         `json:"checks_total"`
	Violations   []Violation `json:"violations,omitempty"`
	Warnings     []Warning   `json:"warnings,omitempty"`
}

// Approved returns a result where every check passed.
func Approved(checks int) Result {
	return Result{Status: StatusApproved, ChecksPassed: checks, ChecksTotal: checks}
}

// Rejected returns a result carrying the violations that caused it.
func Rejected(violations []Violation, passed, total int) Result {
	return Result{
		Status:       StatusRejected,
		ChecksPassed: passed,
		ChecksTotal:  total,
		Violations:   violations,
	}
}

// AddWarning records a warning. An approved result becomes
// approved-with-warnings; a rejected one stays rejected.
func (r *Result) AddWarning(w Warning) {
	r.Warnings = append(r.Warnings, w)
	if r.Status == StatusApproved {
		r.Status = StatusApprovedWithWarnings
	}
}

// IsApproved reports whether the policy may be deployed.
func (r Result) IsApproved() bool {
	return r.Status == StatusApproved || r.Status == StatusApprovedWithWarnings
}

func (r Result) IsRejected() bool {
	return r.Status == StatusRejected
}

// Confidence ranks how much evidence backs an analysis verdict.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Description explains what the confidence level is based on.
func (c Confidence) Description() string {
	switch c {
	case ConfidenceHigh:
		return "dynamic simulation passed"
	case ConfidenceMedium:
		return "static analysis passed"
	default:
		return "heuristic analysis only"
	}
}
