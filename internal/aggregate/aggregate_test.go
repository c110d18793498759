package aggregate

import (
	"errors"
	"testing"

	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/rules"
	"github.com/opensource-finance/finflag/internal/schema"
)

func count(n int64) *int64 { return &n }

func testTable() *Table {
	ruleIDs := []string{domain.RuleDiscountHigh, domain.RuleTaxMismatch, domain.RuleMissingAddressCompleted}
	return NewTable(ruleIDs, domain.DefaultSeverity(), []domain.DatasetSummary{
		{Dataset: "Dine_in", Records: 50, Counts: map[string]*int64{
			domain.RuleDiscountHigh:            count(4),
			domain.RuleTaxMismatch:             count(120),
			domain.RuleMissingAddressCompleted: nil,
		}},
		{Dataset: "Zomato", Records: 30, Counts: map[string]*int64{
			domain.RuleDiscountHigh:            count(6),
			domain.RuleTaxMismatch:             nil,
			domain.RuleMissingAddressCompleted: count(10),
		}},
	})
}

func TestSummarize(t *testing.T) {
	engine, err := rules.NewEngine(domain.DefaultThresholds(), domain.DefaultSeverity())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	ds := domain.NewDataset("Parcel", nil, []domain.Record{
		{"final_total": 100.0, "discount": 30.0, "status": "completed"},
		{"final_total": 100.0, "discount": 20.0, "status": "completed"},
	})
	frame := schema.NewFrame(ds)

	s := Summarize(engine.Evaluate(frame), frame.Unparsable())

	if s.Dataset != "Parcel" || s.Records != 2 {
		t.Errorf("unexpected header: %+v", s)
	}
	if got := s.Counts[domain.RuleDiscountHigh]; got == nil || *got != 1 {
		t.Errorf("expected discount_high 1, got %v", got)
	}
	if got, ok := s.Counts[domain.RuleMissingAddressCompleted]; !ok || got != nil {
		t.Errorf("expected nil for missing address column, got %v", got)
	}
	if s.Outliers != nil {
		t.Error("outliers should be nil until scored")
	}
}

func TestTotals(t *testing.T) {
	table := testTable()

	totals := table.Totals()

	want := map[string]struct {
		total        int64
		contributors int
	}{
		domain.RuleDiscountHigh:            {10, 2},
		domain.RuleTaxMismatch:             {120, 1},
		domain.RuleMissingAddressCompleted: {10, 1},
	}
	for _, tot := range totals {
		w := want[tot.RuleID]
		if tot.Total != w.total || tot.Contributors != w.contributors {
			t.Errorf("%s: expected %d from %d, got %d from %d", tot.RuleID, w.total, w.contributors, tot.Total, tot.Contributors)
		}
	}
}

func TestSeverity(t *testing.T) {
	t.Run("Percentages", func(t *testing.T) {
		b := testTable().Severity()

		if b.GrandTotal != 140 {
			t.Fatalf("expected grand total 140, got %d", b.GrandTotal)
		}
		var sum float64
		for _, tier := range b.Tiers {
			sum += tier.Percent
		}
		if sum < 99.999 || sum > 100.001 {
			t.Errorf("percentages should sum to 100, got %f", sum)
		}
		if b.Tiers[1].Severity != domain.SeverityMedium || b.Tiers[1].Count != 120 {
			t.Errorf("expected MEDIUM 120, got %+v", b.Tiers[1])
		}
	})

	t.Run("ZeroGrandTotal", func(t *testing.T) {
		table := NewTable([]string{domain.RuleDiscountHigh}, nil, []domain.DatasetSummary{
			{Dataset: "Swiggy", Counts: map[string]*int64{domain.RuleDiscountHigh: count(0)}},
		})
		b := table.Severity()
		for _, tier := range b.Tiers {
			if tier.Percent != 0 {
				t.Errorf("expected 0%% with empty grand total, got %f", tier.Percent)
			}
		}
	})
}

func TestOverride(t *testing.T) {
	table := testTable()

	o, err := table.Override("Dine_in", domain.RuleTaxMismatch, 10128, "data entry correction", "auditor")
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if o.Computed == nil || *o.Computed != 120 {
		t.Errorf("expected computed 120 kept, got %v", o.Computed)
	}

	var tax domain.RuleTotal
	for _, tot := range table.Totals() {
		if tot.RuleID == domain.RuleTaxMismatch {
			tax = tot
		}
	}
	if tax.Total != 10128 {
		t.Errorf("expected total 10128, got %d", tax.Total)
	}
	if got := table.Severity().GrandTotal; got != 10148 {
		t.Errorf("expected grand total 10148, got %d", got)
	}
	if got := table.Summaries()[0].Counts[domain.RuleTaxMismatch]; *got != 10128 {
		t.Errorf("per-dataset summary should show override, got %d", *got)
	}

	t.Run("Idempotent", func(t *testing.T) {
		before := table.Severity()
		again, err := table.Override("Dine_in", domain.RuleTaxMismatch, 10128, "data entry correction", "auditor")
		if err != nil {
			t.Fatalf("override failed: %v", err)
		}
		after := table.Severity()
		if before.GrandTotal != after.GrandTotal {
			t.Errorf("second override changed totals: %d -> %d", before.GrandTotal, after.GrandTotal)
		}
		if *again.Previous != 10128 || *again.Computed != 120 {
			t.Errorf("unexpected audit values: previous %d computed %d", *again.Previous, *again.Computed)
		}
	})

	t.Run("NotComputedCell", func(t *testing.T) {
		o, err := table.Override("Zomato", domain.RuleTaxMismatch, 3, "manual count", "auditor")
		if err != nil {
			t.Fatalf("override failed: %v", err)
		}
		if o.Computed != nil {
			t.Error("computed value should stay nil")
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := table.Override("Garden", domain.RuleTaxMismatch, 1, "", ""); !errors.Is(err, ErrUnknownDataset) {
			t.Errorf("expected ErrUnknownDataset, got %v", err)
		}
		if _, err := table.Override("Dine_in", "nope", 1, "", ""); !errors.Is(err, ErrUnknownRule) {
			t.Errorf("expected ErrUnknownRule, got %v", err)
		}
		if _, err := table.Override("Dine_in", domain.RuleTaxMismatch, -1, "", ""); !errors.Is(err, ErrNegativeCount) {
			t.Errorf("expected ErrNegativeCount, got %v", err)
		}
	})
}

func TestFromRunReplaysOverrides(t *testing.T) {
	table := testTable()
	run := &domain.Run{
		Rules:     table.Rules(),
		Severity:  domain.DefaultSeverity(),
		Summaries: table.Summaries(),
		Overrides: []domain.Override{
			{Dataset: "Dine_in", RuleID: domain.RuleTaxMismatch, Count: 7},
			{Dataset: "Dine_in", RuleID: domain.RuleTaxMismatch, Count: 9},
		},
	}

	rebuilt, err := FromRun(run)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	got, _ := rebuilt.Count("Dine_in", domain.RuleTaxMismatch)
	if *got != 9 {
		t.Errorf("expected latest override 9, got %d", *got)
	}
}

func TestRendered(t *testing.T) {
	rows := testTable().Rendered()

	if v, ok := rows[0].Counts[domain.RuleMissingAddressCompleted]; !ok || v != 0 {
		t.Errorf("not computed should render as 0, got %d (present %v)", v, ok)
	}
	if got, _ := testTable().Count("Dine_in", domain.RuleMissingAddressCompleted); got != nil {
		t.Error("table must keep nil internally")
	}
}
