// Package config loads server settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DBPath             string   `mapstructure:"DB_PATH"`
	LogLevel           string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	DefaultCashLimit   string   `mapstructure:"DEFAULT_CASH_LIMIT"`
	RateLimitPerMinute int      `mapstructure:"RATE_LIMIT_PER_MINUTE"`
}

var keys = []string{
	"PORT", "ENV", "DB_PATH", "LOG_LEVEL", "CORS_ORIGINS", "DEFAULT_CASH_LIMIT", "RATE_LIMIT_PER_MINUTE",
}

// Load reads configuration. envFile may be empty to skip the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_PATH", "reconciliation.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("DEFAULT_CASH_LIMIT", "0")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 300)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine
	if envFile != "" {
		_ = v.ReadInConfig()
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values arrive as one comma-separated string
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	limit, err := decimal.NewFromString(c.DefaultCashLimit)
	if err != nil {
		return fmt.Errorf("DEFAULT_CASH_LIMIT: %w", err)
	}
	if limit.IsNegative() {
		return fmt.Errorf("DEFAULT_CASH_LIMIT must not be negative")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

// CashLimit returns DEFAULT_CASH_LIMIT as a decimal. Call after Validate.
func (c *Config) CashLimit() decimal.Decimal {
	d, err := decimal.NewFromString(c.DefaultCashLimit)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
