package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Similarity oracle (external embedding service).
	OracleURL     string  `mapstructure:"ORACLE_URL"`
	OracleTimeout int     `mapstructure:"ORACLE_TIMEOUT_SECONDS"`
	OracleRPS     float64 `mapstructure:"ORACLE_RATE_LIMIT_RPS"`
	OracleBurst   int     `mapstructure:"ORACLE_RATE_LIMIT_BURST"`

	// Matcher thresholds. Review must stay below Auto; both are product
	// decisions calibrated empirically, not derivable from the algorithm.
	MatchAutoThreshold   float64 `mapstructure:"MATCH_AUTO_THRESHOLD"`
	MatchReviewThreshold float64 `mapstructure:"MATCH_REVIEW_THRESHOLD"`
	MatchMinMargin       float64 `mapstructure:"MATCH_MIN_MARGIN"`
	MatchTopK            int     `mapstructure:"MATCH_TOP_K"`

	// Batch processing.
	BatchWorkers     int `mapstructure:"BATCH_WORKERS"`
	LookupMaxRetries int `mapstructure:"LOOKUP_MAX_RETRIES"`
	LookupRetryMS    int `mapstructure:"LOOKUP_RETRY_BASE_MS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ORACLE_TIMEOUT_SECONDS", 10)
	v.SetDefault("ORACLE_RATE_LIMIT_RPS", 20)
	v.SetDefault("ORACLE_RATE_LIMIT_BURST", 40)
	v.SetDefault("MATCH_AUTO_THRESHOLD", 0.85)
	v.SetDefault("MATCH_REVIEW_THRESHOLD", 0.55)
	v.SetDefault("MATCH_MIN_MARGIN", 0.03)
	v.SetDefault("MATCH_TOP_K", 5)
	v.SetDefault("BATCH_WORKERS", 4)
	v.SetDefault("LOOKUP_MAX_RETRIES", 3)
	v.SetDefault("LOOKUP_RETRY_BASE_MS", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("ORACLE_URL")
	v.BindEnv("ORACLE_TIMEOUT_SECONDS")
	v.BindEnv("ORACLE_RATE_LIMIT_RPS")
	v.BindEnv("ORACLE_RATE_LIMIT_BURST")
	v.BindEnv("MATCH_AUTO_THRESHOLD")
	v.BindEnv("MATCH_REVIEW_THRESHOLD")
	v.BindEnv("MATCH_MIN_MARGIN")
	v.BindEnv("MATCH_TOP_K")
	v.BindEnv("BATCH_WORKERS")
	v.BindEnv("LOOKUP_MAX_RETRIES")
	v.BindEnv("LOOKUP_RETRY_BASE_MS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MatchReviewThreshold >= c.MatchAutoThreshold {
		return fmt.Errorf("MATCH_REVIEW_THRESHOLD (%.2f) must be below MATCH_AUTO_THRESHOLD (%.2f)",
			c.MatchReviewThreshold, c.MatchAutoThreshold)
	}
	if c.MatchMinMargin < 0 {
		return fmt.Errorf("MATCH_MIN_MARGIN must not be negative")
	}
	if c.MatchTopK <= 0 {
		return fmt.Errorf("MATCH_TOP_K must be positive")
	}
	if c.BatchWorkers <= 0 {
		return fmt.Errorf("BATCH_WORKERS must be positive")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LookupRetryBase returns the base delay for row-level lookup retries.
func (c *Config) LookupRetryBase() time.Duration {
	return time.Duration(c.LookupRetryMS) * time.Millisecond
}

// OracleRequestTimeout returns the per-request timeout for the similarity oracle.
func (c *Config) OracleRequestTimeout() time.Duration {
	return time.Duration(c.OracleTimeout) * time.Second
}
