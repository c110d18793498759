package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/finflag/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, 0.03, cfg.Engine.Thresholds.TaxTolerance)
	assert.Equal(t, domain.TaxFormulaGSTVAT, cfg.Engine.Thresholds.TaxFormula)
	assert.Equal(t, int64(42), cfg.Engine.Outlier.Seed)
	assert.Equal(t, domain.SeverityHigh, cfg.Engine.Severity[domain.RuleHugeTimeDiff])
	assert.Equal(t, "discount_authorization_code", cfg.Engine.Columns["Discount_DRS"])
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("FINFLAG_TIER", "pro")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "nats", cfg.EventBus.Type)
}

func TestLoadYAMLOverlay(t *testing.T) {
	t.Setenv("POS_EXPORT_DIR", "/data/pos")
	path := writeFile(t, "finflag.yaml", `
server:
  port: 9090
cache:
  localTtl: 2m
engine:
  thresholds:
    taxTolerance: 0.10
    taxFormula: gst_vat_service
  severity:
    discount_high: MEDIUM
  columns:
    Bill_Amount: final_total
  outlier:
    scope: union
  datasets:
    - name: Dine_in
      path: ${POS_EXPORT_DIR}/dine_in.csv
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep their defaults")
	assert.Equal(t, 2*time.Minute, cfg.Cache.LocalTTL)
	assert.Equal(t, 0.10, cfg.Engine.Thresholds.TaxTolerance)
	assert.Equal(t, 0.25, cfg.Engine.Thresholds.DiscountRatio)
	assert.Equal(t, domain.SeverityMedium, cfg.Engine.Severity[domain.RuleDiscountHigh])
	assert.Equal(t, domain.SeverityHigh, cfg.Engine.Severity[domain.RuleZeroPriceOrSubtotal], "severity map is merged")
	assert.Equal(t, "final_total", cfg.Engine.Columns["Bill_Amount"])
	assert.Equal(t, "final_total", cfg.Engine.Columns["Final_Total"], "column map is merged")
	assert.Equal(t, domain.OutlierScopeUnion, cfg.Engine.Outlier.Scope)
	require.Len(t, cfg.Engine.Datasets, 1)
	assert.Equal(t, "/data/pos/dine_in.csv", cfg.Engine.Datasets[0].Path)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FINFLAG_PORT", "7000")
	t.Setenv("FINFLAG_TAX_TOLERANCE", "0.05")
	t.Setenv("FINFLAG_OUTLIER_SEED", "7")
	t.Setenv("FINFLAG_OUTLIER_ENABLED", "false")
	t.Setenv("FINFLAG_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 0.05, cfg.Engine.Thresholds.TaxTolerance)
	assert.Equal(t, int64(7), cfg.Engine.Outlier.Seed)
	assert.False(t, cfg.Engine.Outlier.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadDotEnv(t *testing.T) {
	// Register cleanup for a variable the .env file will set.
	t.Setenv("FINFLAG_MAX_WORKERS", "")
	os.Unsetenv("FINFLAG_MAX_WORKERS")
	env := writeFile(t, ".env", "FINFLAG_MAX_WORKERS=8\n")

	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.MaxWorkers)
}

func TestLoadInvalid(t *testing.T) {
	t.Run("BadNumber", func(t *testing.T) {
		t.Setenv("FINFLAG_PORT", "eighty")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("BadFormula", func(t *testing.T) {
		t.Setenv("FINFLAG_TAX_FORMULA", "vat_only")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("BadSeverity", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "engine:\n  severity:\n    discount_high: CRITICAL\n")
		_, err := Load(path)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestLogLevel(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Logging.Level = "DEBUG"
	assert.Equal(t, "DEBUG", LogLevel(cfg).String())
	cfg.Logging.Level = ""
	assert.Equal(t, "INFO", LogLevel(cfg).String())
}
