package domain

import (
	"fmt"
	"strings"
)

// Outcome is the tri-state result of a rule for one record.
// The zero value is OutcomeNotComputed so an unset cell never reads as FALSE.
type Outcome int8

const (
	OutcomeNotComputed Outcome = iota
	OutcomeFalse
	OutcomeTrue
)

// OutcomeOf converts a computed boolean into an Outcome.
func OutcomeOf(b bool) Outcome {
	if b {
		return OutcomeTrue
	}
	return OutcomeFalse
}

// Computed reports whether the rule produced a value.
func (o Outcome) Computed() bool {
	return o == OutcomeTrue || o == OutcomeFalse
}

// Value returns the cell representation written to a flag column: nil, 0 or 1.
func (o Outcome) Value() any {
	switch o {
	case OutcomeTrue:
		return 1
	case OutcomeFalse:
		return 0
	default:
		return nil
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeTrue:
		return "TRUE"
	case OutcomeFalse:
		return "FALSE"
	default:
		return "NOT_COMPUTED"
	}
}

// MarshalJSON encodes the outcome as null, 0 or 1.
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o {
	case OutcomeTrue:
		return []byte("1"), nil
	case OutcomeFalse:
		return []byte("0"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, 0, 1, true and false.
func (o *Outcome) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "null":
		*o = OutcomeNotComputed
	case "0", "false":
		*o = OutcomeFalse
	case "1", "true":
		*o = OutcomeTrue
	default:
		return fmt.Errorf("invalid outcome %s", b)
	}
	return nil
}

// Severity classifies how serious a rule violation is.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// SeverityTiers lists the tiers in reporting order.
func SeverityTiers() []Severity {
	return []Severity{SeverityHigh, SeverityMedium, SeverityLow}
}

// ParseSeverity parses a tier name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityLow:
		return SeverityLow, nil
	}
	return "", fmt.Errorf("unknown severity %q: %w", s, ErrInvalidInput)
}

// Valid reports whether s is one of the known tiers.
func (s Severity) Valid() bool {
	return s == SeverityHigh || s == SeverityMedium || s == SeverityLow
}
