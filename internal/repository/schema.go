package repository

// Schema definitions for the finflag database.
// Compatible with both SQLite and PostgreSQL.

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    rules TEXT NOT NULL,
    severity TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(tenant_id, created_at);
`

// schemaDatasetSummaries holds one row per dataset of a run. Counts keep
// rule ids mapped to null when the rule was not computed.
const schemaDatasetSummaries = `
CREATE TABLE IF NOT EXISTS dataset_summaries (
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    dataset TEXT NOT NULL,
    records INTEGER NOT NULL,
    counts TEXT NOT NULL,
    outliers INTEGER,
    outlier_error TEXT,
    unparsable TEXT,
    rule_errors TEXT,
    error TEXT,
    PRIMARY KEY (run_id, dataset)
);

CREATE INDEX IF NOT EXISTS idx_dataset_summaries_run ON dataset_summaries(tenant_id, run_id);
`

const schemaOverrides = `
CREATE TABLE IF NOT EXISTS overrides (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    dataset TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    count INTEGER NOT NULL,
    computed INTEGER,
    previous INTEGER,
    reason TEXT,
    actor TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_overrides_run ON overrides(tenant_id, run_id, created_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    columns TEXT NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuns,
		schemaDatasetSummaries,
		schemaOverrides,
		schemaRuleConfigs,
	}
}
