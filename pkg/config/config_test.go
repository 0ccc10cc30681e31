package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if !cfg.Budget.ThrottleFactor.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected throttle factor 0.5, got %s", cfg.Budget.ThrottleFactor)
	}
	if cfg.Budget.EvaluateSchedule != "*/5 * * * *" {
		t.Errorf("unexpected schedule %q", cfg.Budget.EvaluateSchedule)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

const sample = `
listen: ":9090"
timezone: Europe/Berlin
database:
  driver: sqlite
  dsn: ${TEST_DB_PATH}
redis:
  addr: localhost:6379
budget:
  throttle_factor: 0.25
tiers:
  default: basic
  users:
    alice: enterprise
global:
  monthly_budget: "500.00"
  warning_threshold_percent: 80
  rate_limit_per_user_hour: 20
  rate_limit_per_user_day: 100
  ai_enabled: true
  caching_enabled: true
features:
  - feature_key: summarize
    display_name: Summaries
    is_enabled: true
    min_subscription_tier: premium
budgets:
  - feature_key: summarize
    monthly_budget: 10
    alert_threshold_percent: 85
    action_on_overage: disable
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/spend.db")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Database.DSN != "/tmp/spend.db" {
		t.Errorf("env var not expanded: got %s", cfg.Database.DSN)
	}
	if cfg.Budget.EvaluateSchedule != "*/5 * * * *" {
		t.Errorf("default schedule lost: %q", cfg.Budget.EvaluateSchedule)
	}
	if !cfg.Budget.ThrottleFactor.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("expected throttle 0.25, got %s", cfg.Budget.ThrottleFactor)
	}
	if cfg.Global == nil || !cfg.Global.MonthlyBudget.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected global budget 500, got %+v", cfg.Global)
	}
	if cfg.Global.RateLimitPerUserHour != 20 {
		t.Errorf("expected hourly limit 20, got %d", cfg.Global.RateLimitPerUserHour)
	}
	if len(cfg.Features) != 1 || cfg.Features[0].MinSubscriptionTier != models.TierPremium {
		t.Errorf("unexpected features: %+v", cfg.Features)
	}
	if len(cfg.Budgets) != 1 || cfg.Budgets[0].ActionOnOverage != models.ActionDisable {
		t.Errorf("unexpected budgets: %+v", cfg.Budgets)
	}
	if cfg.Tiers.Users["alice"] != models.TierEnterprise || cfg.Tiers.Default != models.TierBasic {
		t.Errorf("unexpected tiers: %+v", cfg.Tiers)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatal(err)
	}
	if loc.String() != "Europe/Berlin" {
		t.Errorf("expected Europe/Berlin, got %s", loc)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadRejectsUnknownAction(t *testing.T) {
	_, err := Load(writeConfig(t, `
budgets:
  - feature_key: summarize
    monthly_budget: 10
    action_on_overage: explode
`))
	if !errors.Is(err, models.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"schedule", func(c *Config) { c.Budget.EvaluateSchedule = "every now and then" }},
		{"throttle", func(c *Config) { c.Budget.ThrottleFactor = decimal.NewFromInt(2) }},
		{"threshold", func(c *Config) {
			c.Budgets = []models.FeatureBudget{{FeatureKey: "x", AlertThresholdPercent: decimal.NewFromInt(120)}}
		}},
		{"negative budget", func(c *Config) {
			g := models.DefaultGlobalSettings()
			g.MonthlyBudget = decimal.NewFromInt(-1)
			c.Global = &g
		}},
		{"duplicate feature", func(c *Config) {
			c.Features = []models.FeatureConfig{{FeatureKey: "a"}, {FeatureKey: "a"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, models.ErrInvalidConfiguration) {
				t.Errorf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "listen: \":7000\"\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, nil, func(c *Config) error {
			changed <- c
			return nil
		})
	}()

	// Give the watcher time to register the directory.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-changed:
			if c.Listen != ":7001" {
				t.Errorf("expected :7001, got %s", c.Listen)
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("watch returned error: %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("listen: \":7001\"\n"), 0644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
