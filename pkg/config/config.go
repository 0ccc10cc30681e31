// Package config loads spendgate configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // timezone database for minimal images

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/spendgate/pkg/models"
)

// Config holds all spendgate configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Timezone string         `yaml:"timezone"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Budget   BudgetConfig   `yaml:"budget"`
	Tiers    TiersConfig    `yaml:"tiers"`

	// Seed data applied to the configuration store. A nil Global leaves the
	// stored row untouched.
	Global   *models.GlobalBudgetSettings `yaml:"global"`
	Features []models.FeatureConfig       `yaml:"features"`
	Budgets  []models.FeatureBudget       `yaml:"budgets"`
}

// DatabaseConfig selects the SQL backend shared by the ledger and the store.
// Driver is "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig configures the shared rate counter. An empty Addr keeps the
// counter in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BudgetConfig controls background evaluation and throttling.
type BudgetConfig struct {
	// EvaluateSchedule is a standard 5-field cron expression. Empty disables
	// scheduled evaluation.
	EvaluateSchedule string `yaml:"evaluate_schedule"`
	// ThrottleFactor scales per-user rate caps of throttled features.
	ThrottleFactor decimal.Decimal `yaml:"throttle_factor"`
}

// TiersConfig maps users to subscription tiers.
type TiersConfig struct {
	Default models.Tier            `yaml:"default"`
	Users   map[string]models.Tier `yaml:"users"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		Timezone: "UTC",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "spendgate.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Budget: BudgetConfig{
			EvaluateSchedule: "*/5 * * * *",
			ThrottleFactor:   decimal.RequireFromString("0.5"),
		},
		Tiers: TiersConfig{
			Default: models.TierFree,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location resolves the timezone that periods and rate windows align to.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks structural settings and the seed data.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, &models.ConfigError{Field: "listen", Reason: "is required"})
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, &models.ConfigError{Field: "timezone", Reason: err.Error()})
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, &models.ConfigError{Field: "database.driver", Reason: fmt.Sprintf("has unknown value %q", c.Database.Driver)})
	}
	if c.Database.DSN == "" {
		errs = append(errs, &models.ConfigError{Field: "database.dsn", Reason: "is required"})
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, &models.ConfigError{Field: "logging.level", Reason: fmt.Sprintf("has unknown value %q", c.Logging.Level)})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, &models.ConfigError{Field: "logging.format", Reason: fmt.Sprintf("has unknown value %q", c.Logging.Format)})
	}
	if c.Budget.EvaluateSchedule != "" {
		if _, err := cron.ParseStandard(c.Budget.EvaluateSchedule); err != nil {
			errs = append(errs, &models.ConfigError{Field: "budget.evaluate_schedule", Reason: err.Error()})
		}
	}
	if f := c.Budget.ThrottleFactor; !f.IsPositive() || f.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, &models.ConfigError{Field: "budget.throttle_factor", Reason: fmt.Sprintf("must be within (0,1], got %s", f)})
	}

	if c.Global != nil {
		if err := c.Global.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	seen := make(map[string]bool)
	for _, f := range c.Features {
		if err := f.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[f.FeatureKey] {
			errs = append(errs, &models.ConfigError{Scope: f.FeatureKey, Field: "feature_key", Reason: "is duplicated"})
		}
		seen[f.FeatureKey] = true
	}
	budgeted := make(map[string]bool)
	for _, b := range c.Budgets {
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if budgeted[b.FeatureKey] {
			errs = append(errs, &models.ConfigError{Scope: b.FeatureKey, Field: "budget", Reason: "is duplicated"})
		}
		budgeted[b.FeatureKey] = true
	}
	return errors.Join(errs...)
}
