package domain

import (
	"fmt"
	"time"
)

// Config holds the complete finflag configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Engine holds rule thresholds, severity tiers and scorer settings
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// Tax formulas for the tax_mismatch rule.
const (
	// TaxFormulaGSTVAT compares tax against cgst + sgst + vat.
	TaxFormulaGSTVAT = "gst_vat"
	// TaxFormulaGSTVATService adds the service charge to the expected tax.
	TaxFormulaGSTVATService = "gst_vat_service"
)

// Outlier scoring scopes.
const (
	OutlierScopeDataset = "per_dataset"
	OutlierScopeUnion   = "union"
)

// EngineConfig configures rule evaluation and aggregation.
type EngineConfig struct {
	// Datasets lists the channel files read by the scan command.
	Datasets []DatasetSource `json:"datasets" yaml:"datasets"`

	// Columns maps source headers to canonical column names.
	Columns map[string]string `json:"columns" yaml:"columns"`

	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`

	// Severity maps rule ids to tiers. Rules without an entry default to LOW.
	Severity map[string]Severity `json:"severity" yaml:"severity"`

	Outlier OutlierConfig `json:"outlier" yaml:"outlier"`

	// MaxWorkers bounds concurrent dataset evaluation.
	MaxWorkers int `json:"maxWorkers" yaml:"maxWorkers"`

	// OutputDir receives flagged files written by the scan command.
	OutputDir string `json:"outputDir" yaml:"outputDir"`
}

// Thresholds holds the rule catalogue constants.
type Thresholds struct {
	DiscountRatio          float64 `json:"discountRatio" yaml:"discountRatio"`
	ServiceChargeTolerance float64 `json:"serviceChargeTolerance" yaml:"serviceChargeTolerance"`
	TaxTolerance           float64 `json:"taxTolerance" yaml:"taxTolerance"`
	TaxFormula             string  `json:"taxFormula" yaml:"taxFormula"`
	PriceVariationRatio    float64 `json:"priceVariationRatio" yaml:"priceVariationRatio"`
	MaxSettlementDays      int     `json:"maxSettlementDays" yaml:"maxSettlementDays"`
}

// OutlierConfig holds isolation forest settings.
type OutlierConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Trees         int     `json:"trees" yaml:"trees"`
	SampleSize    int     `json:"sampleSize" yaml:"sampleSize"`
	Contamination float64 `json:"contamination" yaml:"contamination"`
	Seed          int64   `json:"seed" yaml:"seed"`
	Scope         string  `json:"scope" yaml:"scope"`
}

// DefaultThresholds returns the stock rule constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DiscountRatio:          0.25,
		ServiceChargeTolerance: 0.05,
		TaxTolerance:           0.03,
		TaxFormula:             TaxFormulaGSTVAT,
		PriceVariationRatio:    0.05,
		MaxSettlementDays:      5,
	}
}

// DefaultSeverity returns the stock rule to tier mapping.
func DefaultSeverity() map[string]Severity {
	return map[string]Severity{
		RuleDiscountHigh:              SeverityLow,
		RuleOrderCancelledNoReason:    SeverityLow,
		RuleServiceChargeMismatch:     SeverityMedium,
		RuleHugeTimeDiff:              SeverityHigh,
		RulePriceModification:         SeverityLow,
		RuleZeroPriceOrSubtotal:       SeverityHigh,
		RuleComplimentaryPriceCharged: SeverityLow,
		RuleTaxMismatch:               SeverityMedium,
		RuleDiscountNotApproved:       SeverityHigh,
		RuleMissingAddressCompleted:   SeverityLow,
	}
}

// DefaultColumns maps the POS export headers to canonical names.
func DefaultColumns() map[string]string {
	return map[string]string{
		"Price":                    "price",
		"Sub_Total":                "subtotal",
		"Discount":                 "discount",
		"Final_Total":              "final_total",
		"Tax":                      "tax",
		"Service_Charge_Amount":    "service_charge_amount",
		"CGST_Amount":              "cgst_amount",
		"SGST_Amount":              "sgst_amount",
		"VAT_Amount":               "vat_amount",
		"Status":                   "status",
		"Order_Type":               "order_type",
		"Address":                  "address",
		"Discount_DRS":             "discount_authorization_code",
		"Reason_DSR":               "discount_reason",
		"Variation":                "price_variation",
		"First_Print_Date_BSR":     "first_print_time",
		"Last_Settlement_Date_BSR": "last_settlement_time",
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Engine: EngineConfig{
			Columns:    DefaultColumns(),
			Thresholds: DefaultThresholds(),
			Severity:   DefaultSeverity(),
			Outlier: OutlierConfig{
				Enabled:       true,
				Trees:         100,
				SampleSize:    256,
				Contamination: 0.15,
				Seed:          42,
				Scope:         OutlierScopeDataset,
			},
			MaxWorkers: 4,
			OutputDir:  "./out",
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./finflag.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "finflag",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "finflag",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "finflag-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks engine settings that would otherwise produce meaningless output.
func (c *EngineConfig) Validate() error {
	t := c.Thresholds
	for name, v := range map[string]float64{
		"discountRatio":          t.DiscountRatio,
		"serviceChargeTolerance": t.ServiceChargeTolerance,
		"taxTolerance":           t.TaxTolerance,
		"priceVariationRatio":    t.PriceVariationRatio,
	} {
		if v < 0 {
			return fmt.Errorf("%w: thresholds.%s must not be negative", ErrInvalidInput, name)
		}
	}
	if t.MaxSettlementDays < 0 {
		return fmt.Errorf("%w: thresholds.maxSettlementDays must not be negative", ErrInvalidInput)
	}
	if t.TaxFormula != TaxFormulaGSTVAT && t.TaxFormula != TaxFormulaGSTVATService {
		return fmt.Errorf("%w: unknown tax formula %q", ErrInvalidInput, t.TaxFormula)
	}
	for rule, sev := range c.Severity {
		if !sev.Valid() {
			return fmt.Errorf("%w: rule %s has unknown severity %q", ErrInvalidInput, rule, sev)
		}
	}
	o := c.Outlier
	if o.Contamination <= 0 || o.Contamination > 0.5 {
		return fmt.Errorf("%w: outlier.contamination must be in (0, 0.5]", ErrInvalidInput)
	}
	if o.Trees <= 0 || o.SampleSize <= 1 {
		return fmt.Errorf("%w: outlier.trees and outlier.sampleSize must be positive", ErrInvalidInput)
	}
	if o.Scope != OutlierScopeDataset && o.Scope != OutlierScopeUnion {
		return fmt.Errorf("%w: unknown outlier scope %q", ErrInvalidInput, o.Scope)
	}
	return nil
}

// SeverityOf returns the configured tier for a rule.
func (c *EngineConfig) SeverityOf(ruleID string) Severity {
	if s, ok := c.Severity[ruleID]; ok {
		return s
	}
	return SeverityLow
}
