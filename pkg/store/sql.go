package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/sqldb"
)

// SQLStore implements Store on sqlite or postgres. Amounts are stored as TEXT
// so no precision is lost.
type SQLStore struct {
	db *sqlx.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS features (
	feature_key TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	is_enabled BOOLEAN NOT NULL,
	preferred_model TEXT NOT NULL DEFAULT '',
	max_tokens INTEGER NOT NULL DEFAULT 0,
	min_tier TEXT NOT NULL DEFAULT 'free',
	override_period TEXT NOT NULL DEFAULT '',
	override_disabled BOOLEAN NOT NULL DEFAULT FALSE,
	override_rate_factor TEXT
)`,
	`CREATE TABLE IF NOT EXISTS feature_budgets (
	feature_key TEXT PRIMARY KEY,
	monthly_budget TEXT NOT NULL,
	alert_threshold_percent TEXT NOT NULL,
	action_on_overage TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS global_settings (
	id INTEGER PRIMARY KEY,
	monthly_budget TEXT NOT NULL,
	warning_threshold_percent TEXT NOT NULL,
	rate_limit_per_user_hour BIGINT NOT NULL,
	rate_limit_per_user_day BIGINT NOT NULL,
	ai_enabled BOOLEAN NOT NULL,
	caching_enabled BOOLEAN NOT NULL
)`,
}

// New opens the database and runs auto-migration.
func New(driver, dsn string) (*SQLStore, error) {
	db, err := sqldb.Open(driver, dsn, sqldb.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	s, err := NewWithDB(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB migrates an already open database. The store takes ownership of db.
func NewWithDB(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if err := sqldb.Migrate(ctx, db, schema...); err != nil {
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLStore{db: db}, nil
}

type featureRow struct {
	FeatureKey         string              `db:"feature_key"`
	DisplayName        string              `db:"display_name"`
	IsEnabled          bool                `db:"is_enabled"`
	PreferredModel     string              `db:"preferred_model"`
	MaxTokens          int                 `db:"max_tokens"`
	MinTier            string              `db:"min_tier"`
	OverridePeriod     string              `db:"override_period"`
	OverrideDisabled   bool                `db:"override_disabled"`
	OverrideRateFactor decimal.NullDecimal `db:"override_rate_factor"`
}

func (r featureRow) config() models.FeatureConfig {
	// Tiers are validated on write; an unreadable value falls back to free.
	tier, _ := models.ParseTier(r.MinTier)
	f := models.FeatureConfig{
		FeatureKey:          r.FeatureKey,
		DisplayName:         r.DisplayName,
		IsEnabled:           r.IsEnabled,
		PreferredModel:      r.PreferredModel,
		MaxTokens:           r.MaxTokens,
		MinSubscriptionTier: tier,
	}
	if r.OverridePeriod != "" {
		f.Override = &models.BudgetOverride{Period: r.OverridePeriod, Disabled: r.OverrideDisabled}
		if r.OverrideRateFactor.Valid {
			f.Override.RateFactor = r.OverrideRateFactor.Decimal
		}
	}
	return f
}

const featureColumns = `feature_key, display_name, is_enabled, preferred_model, max_tokens, min_tier,
	override_period, override_disabled, override_rate_factor`

// Feature returns one feature's configuration.
func (s *SQLStore) Feature(ctx context.Context, key string) (models.FeatureConfig, error) {
	return s.feature(ctx, s.db, key)
}

func (s *SQLStore) feature(ctx context.Context, q sqlx.QueryerContext, key string) (models.FeatureConfig, error) {
	var row featureRow
	err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(`SELECT `+featureColumns+` FROM features WHERE feature_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FeatureConfig{}, notFound("feature", key)
	}
	if err != nil {
		return models.FeatureConfig{}, unavailable("get feature", err)
	}
	return row.config(), nil
}

// Features returns all features ordered by key.
func (s *SQLStore) Features(ctx context.Context) ([]models.FeatureConfig, error) {
	var rows []featureRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+featureColumns+` FROM features ORDER BY feature_key`); err != nil {
		return nil, unavailable("list features", err)
	}
	out := make([]models.FeatureConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.config())
	}
	return out, nil
}

type budgetRow struct {
	FeatureKey            string          `db:"feature_key"`
	MonthlyBudget         decimal.Decimal `db:"monthly_budget"`
	AlertThresholdPercent decimal.Decimal `db:"alert_threshold_percent"`
	ActionOnOverage       string          `db:"action_on_overage"`
}

func (r budgetRow) budget() models.FeatureBudget {
	action, err := models.ParseOverageAction(r.ActionOnOverage)
	if err != nil {
		action = models.ActionNone
	}
	return models.FeatureBudget{
		FeatureKey:            r.FeatureKey,
		MonthlyBudget:         r.MonthlyBudget,
		AlertThresholdPercent: r.AlertThresholdPercent,
		ActionOnOverage:       action,
	}
}

// Budget returns one feature's budget.
func (s *SQLStore) Budget(ctx context.Context, key string) (models.FeatureBudget, error) {
	var row budgetRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT feature_key, monthly_budget, alert_threshold_percent, action_on_overage
		 FROM feature_budgets WHERE feature_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FeatureBudget{}, notFound("budget", key)
	}
	if err != nil {
		return models.FeatureBudget{}, unavailable("get budget", err)
	}
	return row.budget(), nil
}

// Budgets returns all budgets ordered by feature key.
func (s *SQLStore) Budgets(ctx context.Context) ([]models.FeatureBudget, error) {
	var rows []budgetRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT feature_key, monthly_budget, alert_threshold_percent, action_on_overage
		 FROM feature_budgets ORDER BY feature_key`); err != nil {
		return nil, unavailable("list budgets", err)
	}
	out := make([]models.FeatureBudget, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.budget())
	}
	return out, nil
}

type globalRow struct {
	MonthlyBudget           decimal.Decimal `db:"monthly_budget"`
	WarningThresholdPercent decimal.Decimal `db:"warning_threshold_percent"`
	RateLimitPerUserHour    int64           `db:"rate_limit_per_user_hour"`
	RateLimitPerUserDay     int64           `db:"rate_limit_per_user_day"`
	AIEnabled               bool            `db:"ai_enabled"`
	CachingEnabled          bool            `db:"caching_enabled"`
}

// Global returns the global settings row.
func (s *SQLStore) Global(ctx context.Context) (models.GlobalBudgetSettings, error) {
	var row globalRow
	err := s.db.GetContext(ctx, &row,
		`SELECT monthly_budget, warning_threshold_percent, rate_limit_per_user_hour,
			rate_limit_per_user_day, ai_enabled, caching_enabled
		 FROM global_settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultGlobalSettings(), nil
	}
	if err != nil {
		return models.GlobalBudgetSettings{}, unavailable("get global settings", err)
	}
	return models.GlobalBudgetSettings(row), nil
}

// PutFeature creates or updates a feature's admin-controlled columns. A
// budget lock survives: is_enabled stays false while override_disabled is
// set, until RestoreFeature lifts it.
func (s *SQLStore) PutFeature(ctx context.Context, f models.FeatureConfig) error {
	if err := f.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO features (feature_key, display_name, is_enabled, preferred_model, max_tokens, min_tier)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (feature_key) DO UPDATE SET
			display_name = excluded.display_name,
			is_enabled = CASE WHEN features.override_disabled THEN features.is_enabled ELSE excluded.is_enabled END,
			preferred_model = excluded.preferred_model,
			max_tokens = excluded.max_tokens,
			min_tier = excluded.min_tier`),
		f.FeatureKey, f.DisplayName, f.IsEnabled, f.PreferredModel, f.MaxTokens, f.MinSubscriptionTier.String())
	if err != nil {
		return unavailable("put feature", err)
	}
	return nil
}

// PutBudget creates or replaces a feature budget.
func (s *SQLStore) PutBudget(ctx context.Context, b models.FeatureBudget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	action, _ := models.ParseOverageAction(string(b.ActionOnOverage))
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO feature_budgets (feature_key, monthly_budget, alert_threshold_percent, action_on_overage)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (feature_key) DO UPDATE SET
			monthly_budget = excluded.monthly_budget,
			alert_threshold_percent = excluded.alert_threshold_percent,
			action_on_overage = excluded.action_on_overage`),
		b.FeatureKey, b.MonthlyBudget.String(), b.AlertThresholdPercent.String(), string(action))
	if err != nil {
		return unavailable("put budget", err)
	}
	return nil
}

// PutGlobal replaces the global settings row.
func (s *SQLStore) PutGlobal(ctx context.Context, g models.GlobalBudgetSettings) error {
	if err := g.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO global_settings (id, monthly_budget, warning_threshold_percent,
			rate_limit_per_user_hour, rate_limit_per_user_day, ai_enabled, caching_enabled)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			monthly_budget = excluded.monthly_budget,
			warning_threshold_percent = excluded.warning_threshold_percent,
			rate_limit_per_user_hour = excluded.rate_limit_per_user_hour,
			rate_limit_per_user_day = excluded.rate_limit_per_user_day,
			ai_enabled = excluded.ai_enabled,
			caching_enabled = excluded.caching_enabled`),
		g.MonthlyBudget.String(), g.WarningThresholdPercent.String(),
		g.RateLimitPerUserHour, g.RateLimitPerUserDay, g.AIEnabled, g.CachingEnabled)
	if err != nil {
		return unavailable("put global settings", err)
	}
	return nil
}

// DisableFeature locks the feature for the period.
func (s *SQLStore) DisableFeature(ctx context.Context, key, period string) error {
	return s.withFeature(ctx, "disable feature", key, func(tx *sqlx.Tx, f models.FeatureConfig) error {
		if f.AdminDisabled() || f.BudgetDisabled(period) {
			return nil
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE features SET is_enabled = ?, override_period = ?, override_disabled = ?, override_rate_factor = NULL
			 WHERE feature_key = ?`), false, period, true, key)
		return err
	})
}

// ThrottleFeature records a rate factor for the period.
func (s *SQLStore) ThrottleFeature(ctx context.Context, key, period string, factor decimal.Decimal) error {
	if !factor.IsPositive() || factor.GreaterThan(decimal.NewFromInt(1)) {
		return &models.ConfigError{Scope: key, Field: "throttle_factor", Reason: fmt.Sprintf("must be within (0,1], got %s", factor)}
	}
	return s.withFeature(ctx, "throttle feature", key, func(tx *sqlx.Tx, f models.FeatureConfig) error {
		if o := f.ActiveOverride(period); o != nil && !o.Disabled && o.RateFactor.Equal(factor) {
			return nil
		}
		// A lapsed budget lock is lifted before throttling.
		enabled := f.IsEnabled || (f.Override != nil && f.Override.Disabled)
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE features SET is_enabled = ?, override_period = ?, override_disabled = ?, override_rate_factor = ?
			 WHERE feature_key = ?`), enabled, period, false, factor.String(), key)
		return err
	})
}

// RestoreFeature lifts the budget override, re-enabling a budget-locked feature.
func (s *SQLStore) RestoreFeature(ctx context.Context, key string) error {
	return s.withFeature(ctx, "restore feature", key, func(tx *sqlx.Tx, f models.FeatureConfig) error {
		if f.Override == nil {
			return nil
		}
		enabled := f.IsEnabled || f.Override.Disabled
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE features SET is_enabled = ?, override_period = '', override_disabled = ?, override_rate_factor = NULL
			 WHERE feature_key = ?`), enabled, false, key)
		return err
	})
}

func (s *SQLStore) withFeature(ctx context.Context, op, key string, fn func(*sqlx.Tx, models.FeatureConfig) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback()

	f, err := s.feature(ctx, tx, key)
	if err != nil {
		return err
	}
	if err := fn(tx, f); err != nil {
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping store", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
