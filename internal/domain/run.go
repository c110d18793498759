package domain

import (
	"time"
)

// DatasetSummary holds per-rule TRUE counts for one dataset.
// A nil count means the rule was not computed for that dataset.
type DatasetSummary struct {
	Dataset  string            `json:"dataset"`
	Records  int               `json:"records"`
	Counts   map[string]*int64 `json:"counts"`
	Outliers *int64            `json:"outliers"`

	// OutlierError is set when scoring was requested but could not run.
	OutlierError string `json:"outlierError,omitempty"`

	// Unparsable counts malformed cells per column.
	Unparsable map[string]int `json:"unparsable,omitempty"`

	// RuleErrors records rules that failed and were marked not computed.
	RuleErrors map[string]string `json:"ruleErrors,omitempty"`

	// Error is set when the whole dataset failed to evaluate.
	Error string `json:"error,omitempty"`
}

// Run is one evaluation of a batch of datasets.
type Run struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`

	// Rules lists rule ids in catalogue order with their severity.
	Rules    []string            `json:"rules"`
	Severity map[string]Severity `json:"severity"`

	Summaries []DatasetSummary `json:"summaries"`
	Overrides []Override       `json:"overrides,omitempty"`

	Metadata RunMetadata `json:"metadata"`
}

// Run status values
const (
	RunStatusPending   = "PENDING"
	RunStatusCompleted = "COMPLETED"
	RunStatusPartial   = "PARTIAL"
	RunStatusFailed    = "FAILED"
)

// RunMetadata contains processing information.
type RunMetadata struct {
	TraceID           string `json:"traceId"`
	TotalMs           int64  `json:"totalMs"`
	DatasetsEvaluated int    `json:"datasetsEvaluated"`
	RulesEvaluated    int    `json:"rulesEvaluated"`
	OutlierScope      string `json:"outlierScope,omitempty"`
	EngineVersion     string `json:"engineVersion"`
}

// Override is an audited manual correction of one summary cell.
type Override struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	RunID     string    `json:"runId"`
	Dataset   string    `json:"dataset"`
	RuleID    string    `json:"ruleId"`
	Count     int64     `json:"count"`
	Computed  *int64    `json:"computed"`
	Previous  *int64    `json:"previous"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"createdAt"`
}

// RuleTotal is a cross-dataset total for one rule.
type RuleTotal struct {
	RuleID       string   `json:"ruleId"`
	Severity     Severity `json:"severity"`
	Total        int64    `json:"total"`
	Contributors int      `json:"contributors"`
}

// TierShare is one severity tier of the breakdown.
type TierShare struct {
	Severity Severity `json:"severity"`
	Count    int64    `json:"count"`
	Percent  float64  `json:"percent"`
}

// SeverityBreakdown groups totals by tier.
type SeverityBreakdown struct {
	Tiers      []TierShare `json:"tiers"`
	GrandTotal int64       `json:"grandTotal"`
}

// BatchRequest is the API request payload for evaluating datasets.
type BatchRequest struct {
	TenantID string     `json:"tenantId"`
	Datasets []*Dataset `json:"datasets"`
	// Score enables the outlier scorer; nil uses the configured default.
	Score *bool `json:"score,omitempty"`
}

// OverrideRequest is the API request payload for a manual count correction.
type OverrideRequest struct {
	Dataset string `json:"dataset"`
	RuleID  string `json:"ruleId"`
	Count   int64  `json:"count"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor"`
}
