// Package rules provides the anomaly rule catalogue and the CEL-Go engine
// for deployment-specific rules.
package rules

import (
	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/schema"
)

// Predicate decides one record. Errors are treated as FALSE for that record.
type Predicate func(row schema.Row) (bool, error)

// Rule is an independent check over the records of a dataset.
type Rule struct {
	ID          string
	Description string
	Columns     []string
	Optional    []string
	Severity    domain.Severity
	Custom      bool

	// Bind returns the predicate for one dataset. Branches that depend on
	// optional columns are decided here, once per dataset.
	Bind func(f *schema.Frame) Predicate
}

// Requirement returns the columns the rule needs to be applicable.
func (r *Rule) Requirement() schema.Requirement {
	return schema.Requirement{RuleID: r.ID, Columns: r.Columns}
}

// Info describes the rule for listing.
func (r *Rule) Info() domain.RuleInfo {
	return domain.RuleInfo{
		ID:          r.ID,
		Description: r.Description,
		Columns:     r.Columns,
		Optional:    r.Optional,
		Severity:    r.Severity,
		Custom:      r.Custom,
	}
}

func static(p Predicate) func(*schema.Frame) Predicate {
	return func(*schema.Frame) Predicate { return p }
}
