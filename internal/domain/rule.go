package domain

import "time"

// Built-in rule identifiers in catalogue order.
const (
	RuleDiscountHigh              = "discount_high"
	RuleOrderCancelledNoReason    = "order_cancelled_no_reason"
	RuleServiceChargeMismatch     = "service_charge_mismatch"
	RuleHugeTimeDiff              = "huge_time_diff"
	RulePriceModification         = "price_modification"
	RuleZeroPriceOrSubtotal       = "zero_price_or_subtotal"
	RuleComplimentaryPriceCharged = "complimentary_price_charged"
	RuleTaxMismatch               = "tax_mismatch"
	RuleDiscountNotApproved       = "discount_not_approved"
	RuleMissingAddressCompleted   = "missing_address_completed"
)

// FlagPrefix prefixes every rule's output column.
const FlagPrefix = "flag_"

// Output columns written by the outlier scorer.
const (
	ColumnAnomalyScore = "anomaly_score"
	ColumnAnomalyLabel = "anomaly_label"
)

// FlagColumn returns the output column name for a rule.
func FlagColumn(ruleID string) string {
	return FlagPrefix + ruleID
}

// GlobalTenantID owns custom rules that apply to every tenant.
const GlobalTenantID = "*"

// RuleConfig defines a deployment-specific rule expressed in CEL.
// Each canonical column is exposed to the expression as a variable.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression returning bool
	Expression string `json:"expression"`

	// Columns that must be present for the rule to apply
	Columns []string `json:"columns"`

	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleInfo describes a loaded rule for listing.
type RuleInfo struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Columns     []string `json:"columns"`
	Optional    []string `json:"optional,omitempty"`
	Severity    Severity `json:"severity"`
	Custom      bool     `json:"custom"`
}
