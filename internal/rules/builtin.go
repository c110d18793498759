package rules

import (
	"math"

	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/schema"
	"github.com/opensource-finance/finflag/internal/tolerance"
)

// Builtin returns the stock catalogue in evaluation order.
func Builtin(th domain.Thresholds, severity map[string]domain.Severity) []*Rule {
	sev := func(id string) domain.Severity {
		if s, ok := severity[id]; ok {
			return s
		}
		return domain.SeverityLow
	}

	taxColumns := []string{schema.ColTax, schema.ColCGSTAmount, schema.ColSGSTAmount, schema.ColVATAmount}
	taxParts := []string{schema.ColCGSTAmount, schema.ColSGSTAmount, schema.ColVATAmount}
	if th.TaxFormula == domain.TaxFormulaGSTVATService {
		taxColumns = append(taxColumns, schema.ColServiceChargeAmount)
		taxParts = append(taxParts, schema.ColServiceChargeAmount)
	}

	return []*Rule{
		{
			ID:          domain.RuleDiscountHigh,
			Description: "discount exceeds a share of the final total",
			Columns:     []string{schema.ColFinalTotal, schema.ColDiscount},
			Severity:    sev(domain.RuleDiscountHigh),
			Bind: static(func(r schema.Row) (bool, error) {
				total, ok1 := r.Number(schema.ColFinalTotal)
				discount, ok2 := r.Number(schema.ColDiscount)
				if !ok1 || !ok2 || total <= 0 {
					return false, nil
				}
				ratio, ok := tolerance.Ratio(discount, total)
				return ok && ratio > th.DiscountRatio, nil
			}),
		},
		{
			ID:          domain.RuleOrderCancelledNoReason,
			Description: "order was cancelled",
			Columns:     []string{schema.ColStatus},
			Severity:    sev(domain.RuleOrderCancelledNoReason),
			Bind: static(func(r schema.Row) (bool, error) {
				return r.TextEquals(schema.ColStatus, "cancelled"), nil
			}),
		},
		{
			ID:          domain.RuleServiceChargeMismatch,
			Description: "final total differs from subtotal plus service charge plus tax",
			Columns:     []string{schema.ColSubtotal, schema.ColServiceChargeAmount, schema.ColTax, schema.ColFinalTotal},
			Severity:    sev(domain.RuleServiceChargeMismatch),
			Bind: static(func(r schema.Row) (bool, error) {
				vals, ok := numbers(r, schema.ColSubtotal, schema.ColServiceChargeAmount, schema.ColTax, schema.ColFinalTotal)
				if !ok {
					return false, nil
				}
				expected := tolerance.Sum(vals[0], vals[1], vals[2])
				return tolerance.Mismatch(vals[3], expected, th.ServiceChargeTolerance), nil
			}),
		},
		{
			ID:          domain.RuleHugeTimeDiff,
			Description: "settlement happened long after first print",
			Columns:     []string{schema.ColFirstPrintTime, schema.ColLastSettlementTime},
			Severity:    sev(domain.RuleHugeTimeDiff),
			Bind: static(func(r schema.Row) (bool, error) {
				first, ok1 := r.Time(schema.ColFirstPrintTime)
				last, ok2 := r.Time(schema.ColLastSettlementTime)
				if !ok1 || !ok2 {
					return false, nil
				}
				days := math.Floor(last.Sub(first).Hours() / 24)
				return days > float64(th.MaxSettlementDays), nil
			}),
		},
		{
			ID:          domain.RulePriceModification,
			Description: "price was varied from the menu price",
			Columns:     []string{schema.ColPriceVariation},
			Optional:    []string{schema.ColPrice},
			Severity:    sev(domain.RulePriceModification),
			Bind: func(f *schema.Frame) Predicate {
				if !f.Has(schema.ColPrice) {
					return func(r schema.Row) (bool, error) {
						return !r.Blank(schema.ColPriceVariation), nil
					}
				}
				return func(r schema.Row) (bool, error) {
					variation, ok1 := r.Number(schema.ColPriceVariation)
					price, ok2 := r.Number(schema.ColPrice)
					if !ok1 || !ok2 {
						return false, nil
					}
					pct, ok := tolerance.Ratio(variation, price)
					return ok && math.Abs(pct) > th.PriceVariationRatio, nil
				}
			},
		},
		{
			ID:          domain.RuleZeroPriceOrSubtotal,
			Description: "price or subtotal is zero",
			Columns:     []string{schema.ColPrice, schema.ColSubtotal},
			Severity:    sev(domain.RuleZeroPriceOrSubtotal),
			Bind: static(func(r schema.Row) (bool, error) {
				price, ok1 := r.Number(schema.ColPrice)
				subtotal, ok2 := r.Number(schema.ColSubtotal)
				return (ok1 && price == 0) || (ok2 && subtotal == 0), nil
			}),
		},
		{
			ID:          domain.RuleComplimentaryPriceCharged,
			Description: "complimentary order carries a charge",
			Columns:     []string{schema.ColOrderType, schema.ColFinalTotal},
			Severity:    sev(domain.RuleComplimentaryPriceCharged),
			Bind: static(func(r schema.Row) (bool, error) {
				total, ok := r.Number(schema.ColFinalTotal)
				return ok && total > 0 && r.TextEquals(schema.ColOrderType, "complimentary"), nil
			}),
		},
		{
			ID:          domain.RuleTaxMismatch,
			Description: "tax differs from the sum of its components",
			Columns:     taxColumns,
			Severity:    sev(domain.RuleTaxMismatch),
			Bind: static(func(r schema.Row) (bool, error) {
				tax, ok := r.Number(schema.ColTax)
				if !ok {
					return false, nil
				}
				parts, ok := numbers(r, taxParts...)
				if !ok {
					return false, nil
				}
				return tolerance.Mismatch(tax, tolerance.Sum(parts...), th.TaxTolerance), nil
			}),
		},
		{
			ID:          domain.RuleDiscountNotApproved,
			Description: "discount given without authorization code or reason",
			Columns:     []string{schema.ColDiscount, schema.ColDiscountAuthorizationCode, schema.ColDiscountReason},
			Severity:    sev(domain.RuleDiscountNotApproved),
			Bind: static(func(r schema.Row) (bool, error) {
				discount, ok := r.Number(schema.ColDiscount)
				if !ok || discount <= 0 {
					return false, nil
				}
				return r.Blank(schema.ColDiscountAuthorizationCode) || r.Blank(schema.ColDiscountReason), nil
			}),
		},
		{
			ID:          domain.RuleMissingAddressCompleted,
			Description: "completed order has no address",
			Columns:     []string{schema.ColAddress, schema.ColStatus},
			Severity:    sev(domain.RuleMissingAddressCompleted),
			Bind: static(func(r schema.Row) (bool, error) {
				return r.TextEquals(schema.ColStatus, "completed") && r.Blank(schema.ColAddress), nil
			}),
		},
	}
}

// numbers reads several numeric cells; ok is false if any is missing.
func numbers(r schema.Row, cols ...string) ([]float64, bool) {
	out := make([]float64, len(cols))
	for i, c := range cols {
		v, ok := r.Number(c)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
