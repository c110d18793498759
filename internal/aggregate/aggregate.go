// Package aggregate builds per-dataset summaries and cross-dataset severity
// totals, with audited manual overrides.
package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/outlier"
	"github.com/opensource-finance/finflag/internal/rules"
)

var (
	// ErrUnknownDataset is returned when an override names a dataset not in the table.
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrUnknownRule is returned when an override names a rule not in the table.
	ErrUnknownRule = errors.New("unknown rule")

	// ErrNegativeCount is returned for overrides below zero.
	ErrNegativeCount = errors.New("override count must not be negative")
)

// Summarize turns one dataset's evaluation into its summary row.
func Summarize(ev *rules.Evaluation, unparsable map[string]int) domain.DatasetSummary {
	s := domain.DatasetSummary{
		Dataset: ev.Dataset,
		Records: ev.Records,
		Counts:  make(map[string]*int64, len(ev.Columns)),
	}
	for _, col := range ev.Columns {
		s.Counts[col.RuleID] = col.Count()
	}
	if len(unparsable) > 0 {
		s.Unparsable = unparsable
	}
	if len(ev.Errors) > 0 {
		s.RuleErrors = ev.Errors
	}
	return s
}

// WithOutliers records the scorer's outcome on a summary row.
func WithOutliers(s domain.DatasetSummary, res *outlier.Result, err error) domain.DatasetSummary {
	switch {
	case err != nil:
		s.Outliers = nil
		s.OutlierError = err.Error()
	case res != nil:
		n := res.Outliers()
		s.Outliers = &n
	}
	return s
}

type cell struct {
	computed *int64
	override *domain.Override
}

func (c *cell) effective() *int64 {
	if c.override != nil {
		n := c.override.Count
		return &n
	}
	return c.computed
}

type row struct {
	summary domain.DatasetSummary
	cells   map[string]*cell
}

// Table is the summary matrix: one row per dataset, one column per rule.
// Overrides replace a cell's effective count while the computed value is kept.
type Table struct {
	rules    []string
	severity map[string]domain.Severity
	rows     []*row
	index    map[string]int
}

// NewTable builds a table over the given rules and dataset summaries.
func NewTable(ruleIDs []string, severity map[string]domain.Severity, summaries []domain.DatasetSummary) *Table {
	t := &Table{
		rules:    append([]string(nil), ruleIDs...),
		severity: severity,
		index:    make(map[string]int, len(summaries)),
	}
	for _, s := range summaries {
		r := &row{summary: s, cells: make(map[string]*cell, len(ruleIDs))}
		for _, id := range ruleIDs {
			r.cells[id] = &cell{computed: s.Counts[id]}
		}
		t.index[s.Dataset] = len(t.rows)
		t.rows = append(t.rows, r)
	}
	return t
}

// FromRun rebuilds a table from a persisted run and replays its overrides.
func FromRun(run *domain.Run) (*Table, error) {
	t := NewTable(run.Rules, run.Severity, run.Summaries)
	for i := range run.Overrides {
		o := run.Overrides[i]
		if _, err := t.apply(&o); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Rules returns the column order.
func (t *Table) Rules() []string {
	return t.rules
}

// SeverityOf returns a rule's tier. Unmapped rules are LOW.
func (t *Table) SeverityOf(ruleID string) domain.Severity {
	if s, ok := t.severity[ruleID]; ok {
		return s
	}
	return domain.SeverityLow
}

// Summaries returns the rows with effective counts. A nil count means the
// rule was not computed for that dataset and has not been overridden.
func (t *Table) Summaries() []domain.DatasetSummary {
	out := make([]domain.DatasetSummary, len(t.rows))
	for i, r := range t.rows {
		s := r.summary
		s.Counts = make(map[string]*int64, len(t.rules))
		for _, id := range t.rules {
			s.Counts[id] = r.cells[id].effective()
		}
		out[i] = s
	}
	return out
}

// Count returns the effective count for one cell.
func (t *Table) Count(dataset, ruleID string) (*int64, error) {
	c, err := t.cell(dataset, ruleID)
	if err != nil {
		return nil, err
	}
	return c.effective(), nil
}

// Override replaces one cell's count. Applying the same override twice
// leaves the table unchanged. The returned record carries the computed
// and previous values for the audit trail.
func (t *Table) Override(dataset, ruleID string, count int64, reason, actor string) (*domain.Override, error) {
	o := &domain.Override{
		ID:        uuid.New().String(),
		Dataset:   dataset,
		RuleID:    ruleID,
		Count:     count,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	return t.apply(o)
}

func (t *Table) apply(o *domain.Override) (*domain.Override, error) {
	if o.Count < 0 {
		return nil, fmt.Errorf("%s/%s: %w", o.Dataset, o.RuleID, ErrNegativeCount)
	}
	c, err := t.cell(o.Dataset, o.RuleID)
	if err != nil {
		return nil, err
	}
	o.Computed = c.computed
	o.Previous = c.effective()
	c.override = o
	return o, nil
}

func (t *Table) cell(dataset, ruleID string) (*cell, error) {
	i, ok := t.index[dataset]
	if !ok {
		return nil, fmt.Errorf("%s: %w", dataset, ErrUnknownDataset)
	}
	c, ok := t.rows[i].cells[ruleID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ruleID, ErrUnknownRule)
	}
	return c, nil
}

// Totals sums each rule across datasets, treating not computed as zero and
// counting how many datasets contributed a value.
func (t *Table) Totals() []domain.RuleTotal {
	out := make([]domain.RuleTotal, len(t.rules))
	for i, id := range t.rules {
		total := domain.RuleTotal{RuleID: id, Severity: t.SeverityOf(id)}
		for _, r := range t.rows {
			if n := r.cells[id].effective(); n != nil {
				total.Total += *n
				total.Contributors++
			}
		}
		out[i] = total
	}
	return out
}

// Severity groups totals by tier with each tier's share of the grand total.
// Shares are zero when nothing was flagged.
func (t *Table) Severity() domain.SeverityBreakdown {
	byTier := make(map[domain.Severity]int64)
	var grand int64
	for _, total := range t.Totals() {
		byTier[total.Severity] += total.Total
		grand += total.Total
	}

	b := domain.SeverityBreakdown{GrandTotal: grand}
	for _, tier := range domain.SeverityTiers() {
		share := domain.TierShare{Severity: tier, Count: byTier[tier]}
		if grand > 0 {
			share.Percent = float64(share.Count) / float64(grand) * 100
		}
		b.Tiers = append(b.Tiers, share)
	}
	return b
}

// RenderedRow is a presentation row with not computed shown as zero.
type RenderedRow struct {
	Dataset string           `json:"dataset"`
	Counts  map[string]int64 `json:"counts"`
}

// Rendered returns the table for display. The nil distinction is dropped
// here only; the table itself keeps it.
func (t *Table) Rendered() []RenderedRow {
	out := make([]RenderedRow, len(t.rows))
	for i, r := range t.rows {
		rr := RenderedRow{Dataset: r.summary.Dataset, Counts: make(map[string]int64, len(t.rules))}
		for _, id := range t.rules {
			var v int64
			if n := r.cells[id].effective(); n != nil {
				v = *n
			}
			rr.Counts[id] = v
		}
		out[i] = rr
	}
	return out
}
