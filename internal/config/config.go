// Package config assembles the runtime configuration from defaults, an
// optional YAML file, .env files and FINFLAG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/opensource-finance/finflag/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FINFLAG_"

// Load builds the configuration. Later sources win: tier defaults, then the
// YAML file at path (if any, with ${VAR} expansion), then the environment.
// envFiles are loaded into the environment first; missing files are skipped.
func Load(path string, envFiles ...string) (*domain.Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogLevel maps the configured level name to a slog level.
func LogLevel(cfg *domain.Config) slog.Level {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func applyEnv(cfg *domain.Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var err error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%w: %s%s=%q is not an integer", domain.ErrInvalidInput, EnvPrefix, key, v)
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" && err == nil {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = fmt.Errorf("%w: %s%s=%q is not a number", domain.ErrInvalidInput, EnvPrefix, key, v)
				return
			}
			*dst = f
		}
	}

	if os.Getenv(EnvPrefix+"DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	str("LOG_LEVEL", &cfg.Logging.Level)

	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)

	str("DB_DRIVER", &cfg.Repository.Driver)
	str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("CACHE_TYPE", &cfg.Cache.Type)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	str("BUS_TYPE", &cfg.EventBus.Type)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	float("TAX_TOLERANCE", &cfg.Engine.Thresholds.TaxTolerance)
	str("TAX_FORMULA", &cfg.Engine.Thresholds.TaxFormula)
	float("SERVICE_CHARGE_TOLERANCE", &cfg.Engine.Thresholds.ServiceChargeTolerance)
	float("CONTAMINATION", &cfg.Engine.Outlier.Contamination)
	str("OUTLIER_SCOPE", &cfg.Engine.Outlier.Scope)
	num("MAX_WORKERS", &cfg.Engine.MaxWorkers)
	str("OUTPUT_DIR", &cfg.Engine.OutputDir)

	if v := os.Getenv(EnvPrefix + "OUTLIER_SEED"); v != "" && err == nil {
		seed, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return fmt.Errorf("%w: %sOUTLIER_SEED=%q is not an integer", domain.ErrInvalidInput, EnvPrefix, v)
		}
		cfg.Engine.Outlier.Seed = seed
	}
	if v := os.Getenv(EnvPrefix + "OUTLIER_ENABLED"); v != "" && err == nil {
		enabled, perr := strconv.ParseBool(v)
		if perr != nil {
			return fmt.Errorf("%w: %sOUTLIER_ENABLED=%q is not a bool", domain.ErrInvalidInput, EnvPrefix, v)
		}
		cfg.Engine.Outlier.Enabled = enabled
	}

	return err
}
