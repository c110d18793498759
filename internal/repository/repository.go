// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/finflag/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != MemoryPath {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun stores a run and its dataset summaries in one transaction.
// Saving an existing run replaces its summaries; overrides are kept.
func (r *SQLRepository) SaveRun(ctx context.Context, tenantID string, run *domain.Run) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	rules, _ := json.Marshal(run.Rules)
	severity, _ := json.Marshal(run.Severity)
	metadata, _ := json.Marshal(run.Metadata)

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO runs (id, tenant_id, status, created_at, rules, severity, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			rules = excluded.rules,
			severity = excluded.severity,
			metadata = excluded.metadata
	`
	if _, err := tx.ExecContext(ctx, r.rebind(query),
		run.ID, tenantID, run.Status, createdAt,
		string(rules), string(severity), string(metadata),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		r.rebind(`DELETE FROM dataset_summaries WHERE tenant_id = ? AND run_id = ?`),
		tenantID, run.ID,
	); err != nil {
		return err
	}

	insert := r.rebind(`
		INSERT INTO dataset_summaries (
			run_id, tenant_id, position, dataset, records, counts,
			outliers, outlier_error, unparsable, rule_errors, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for i, s := range run.Summaries {
		counts, _ := json.Marshal(s.Counts)
		unparsable, _ := json.Marshal(s.Unparsable)
		ruleErrors, _ := json.Marshal(s.RuleErrors)

		if _, err := tx.ExecContext(ctx, insert,
			run.ID, tenantID, i, s.Dataset, s.Records, string(counts),
			nullInt(s.Outliers), s.OutlierError, string(unparsable), string(ruleErrors), s.Error,
		); err != nil {
			return fmt.Errorf("failed to save summary for %s: %w", s.Dataset, err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run with its summaries and override history.
func (r *SQLRepository) GetRun(ctx context.Context, tenantID string, runID string) (*domain.Run, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, status, created_at, rules, severity, metadata
		FROM runs
		WHERE tenant_id = ? AND id = ?
	`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if run.Summaries, err = r.summaries(ctx, tenantID, runID); err != nil {
		return nil, err
	}

	overrides, err := r.ListOverrides(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		run.Overrides = append(run.Overrides, *o)
	}

	return run, nil
}

// ListRuns returns the most recent runs for a tenant, newest first.
// Summaries and overrides are not loaded.
func (r *SQLRepository) ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.Run, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, status, created_at, rules, severity, metadata
		FROM runs
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*domain.Run, error) {
	var run domain.Run
	var rules, severity, metadata string

	if err := s.Scan(
		&run.ID, &run.TenantID, &run.Status, &run.CreatedAt,
		&rules, &severity, &metadata,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(rules), &run.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules for run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(severity), &run.Severity); err != nil {
		return nil, fmt.Errorf("failed to parse severity for run %s: %w", run.ID, err)
	}
	json.Unmarshal([]byte(metadata), &run.Metadata)

	return &run, nil
}

func (r *SQLRepository) summaries(ctx context.Context, tenantID, runID string) ([]domain.DatasetSummary, error) {
	query := `
		SELECT dataset, records, counts, outliers, outlier_error, unparsable, rule_errors, error
		FROM dataset_summaries
		WHERE tenant_id = ? AND run_id = ?
		ORDER BY position
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DatasetSummary
	for rows.Next() {
		var s domain.DatasetSummary
		var counts string
		var outliers sql.NullInt64
		var outlierErr, unparsable, ruleErrors, dsErr sql.NullString

		if err := rows.Scan(
			&s.Dataset, &s.Records, &counts, &outliers,
			&outlierErr, &unparsable, &ruleErrors, &dsErr,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(counts), &s.Counts); err != nil {
			return nil, fmt.Errorf("failed to parse counts for %s: %w", s.Dataset, err)
		}
		if outliers.Valid {
			n := outliers.Int64
			s.Outliers = &n
		}
		s.OutlierError = outlierErr.String
		s.Error = dsErr.String
		if unparsable.Valid {
			json.Unmarshal([]byte(unparsable.String), &s.Unparsable)
		}
		if ruleErrors.Valid {
			json.Unmarshal([]byte(ruleErrors.String), &s.RuleErrors)
		}
		out = append(out, s)
	}

	return out, rows.Err()
}

// SaveOverride appends an override to the audit trail of an existing run.
func (r *SQLRepository) SaveOverride(ctx context.Context, tenantID string, o *domain.Override) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if o == nil || o.ID == "" || o.RunID == "" {
		return fmt.Errorf("%w: override id and run id are required", ErrInvalidInput)
	}

	var exists int
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM runs WHERE tenant_id = ? AND id = ?`),
		tenantID, o.RunID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO overrides (
			id, tenant_id, run_id, dataset, rule_id, count,
			computed, previous, reason, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		o.ID, tenantID, o.RunID, o.Dataset, o.RuleID, o.Count,
		nullInt(o.Computed), nullInt(o.Previous), o.Reason, o.Actor, createdAt,
	)
	return err
}

// ListOverrides returns a run's overrides in the order they were applied.
func (r *SQLRepository) ListOverrides(ctx context.Context, tenantID string, runID string) ([]*domain.Override, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, run_id, dataset, rule_id, count,
			   computed, previous, reason, actor, created_at
		FROM overrides
		WHERE tenant_id = ? AND run_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []*domain.Override
	for rows.Next() {
		var o domain.Override
		var computed, previous sql.NullInt64
		var reason, actor sql.NullString

		if err := rows.Scan(
			&o.ID, &o.TenantID, &o.RunID, &o.Dataset, &o.RuleID, &o.Count,
			&computed, &previous, &reason, &actor, &o.CreatedAt,
		); err != nil {
			return nil, err
		}

		o.Computed = intPtr(computed)
		o.Previous = intPtr(previous)
		o.Reason = reason.String
		o.Actor = actor.String
		overrides = append(overrides, &o)
	}

	return overrides, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	columns, _ := json.Marshal(rule.Columns)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	version := rule.Version
	if version == "" {
		version = "1.0.0"
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, columns, severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			columns = excluded.columns,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		version, rule.Expression, string(columns), string(rule.Severity), enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves the latest enabled version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, columns, severity, enabled, created_at, updated_at
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRuleConfig(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, columns, severity, enabled, created_at, updated_at
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id, version
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRuleConfig(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var columns, severity string
	var enabled int

	if err := s.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &columns, &severity, &enabled,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Severity = domain.Severity(severity)
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(columns), &cfg.Columns); err != nil {
		return nil, fmt.Errorf("failed to parse columns for rule %s: %w", cfg.ID, err)
	}

	return &cfg, nil
}

// DeleteRuleConfig soft-deletes every version of a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE rule_configs
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
