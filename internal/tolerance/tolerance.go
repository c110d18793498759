// Package tolerance implements proportional mismatch checks and safe ratios.
package tolerance

import (
	"math"

	"github.com/shopspring/decimal"
)

// Mismatch reports whether actual deviates from expected by more than
// factor times the magnitude of expected. An expected value of zero never
// mismatches because the band would be empty.
func Mismatch(actual, expected, factor float64) bool {
	if !finite(actual) || !finite(expected) || !finite(factor) {
		return false
	}
	exp := decimal.NewFromFloat(expected)
	if exp.IsZero() {
		return false
	}
	diff := decimal.NewFromFloat(actual).Sub(exp).Abs()
	band := decimal.NewFromFloat(factor).Mul(exp.Abs())
	return diff.GreaterThan(band)
}

// Ratio divides num by den. The result is undefined when den is zero or
// either operand is not finite.
func Ratio(num, den float64) (float64, bool) {
	if den == 0 || !finite(num) || !finite(den) {
		return 0, false
	}
	r := num / den
	if !finite(r) {
		return 0, false
	}
	return r, true
}

// Sum adds values in decimal arithmetic so that currency amounts such as
// 0.1 + 0.2 compare exactly against a reported total.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	f, _ := total.Float64()
	return f
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
