package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// OverageAction is the consequence applied when a feature exceeds its budget.
type OverageAction string

const (
	ActionNone     OverageAction = "none"
	ActionWarn     OverageAction = "warn"
	ActionDisable  OverageAction = "disable"
	ActionThrottle OverageAction = "throttle"
)

// ParseOverageAction accepts the four known actions, case-insensitively.
// An empty string means none.
func ParseOverageAction(s string) (OverageAction, error) {
	switch a := OverageAction(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionNone, nil
	case ActionNone, ActionWarn, ActionDisable, ActionThrottle:
		return a, nil
	}
	return "", &ConfigError{Field: "action_on_overage", Reason: fmt.Sprintf("has unknown value %q", s)}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *OverageAction) UnmarshalText(text []byte) error {
	v, err := ParseOverageAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a OverageAction) MarshalText() ([]byte, error) {
	if a == "" {
		return []byte(ActionNone), nil
	}
	return []byte(a), nil
}

// BudgetStatus is the tri-state result of comparing spend with a budget.
type BudgetStatus string

const (
	StatusOK       BudgetStatus = "ok"
	StatusWarning  BudgetStatus = "warning"
	StatusExceeded BudgetStatus = "exceeded"
)

// Tier is a subscription level. Tiers are ordered: a higher tier satisfies
// every requirement of a lower one.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierPremium
	TierEnterprise
)

var tierNames = []string{"free", "basic", "premium", "enterprise"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Satisfies reports whether t meets the required minimum.
func (t Tier) Satisfies(required Tier) bool {
	return t >= required
}

// ParseTier maps a tier name to its value. An empty name is free.
func ParseTier(s string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return TierFree, nil
	}
	for i, n := range tierNames {
		if n == name {
			return Tier(i), nil
		}
	}
	return TierFree, &ConfigError{Field: "tier", Reason: fmt.Sprintf("has unknown value %q", s)}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	v, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// BudgetOverride records enforcement applied by the budget engine for one period.
type BudgetOverride struct {
	Period     string          `json:"period" yaml:"period"`
	Disabled   bool            `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	RateFactor decimal.Decimal `json:"rate_factor,omitempty" yaml:"rate_factor,omitempty"`
}

// Throttled reports whether the override reduces rate caps.
func (o *BudgetOverride) Throttled() bool {
	return o != nil && o.RateFactor.IsPositive() && o.RateFactor.LessThan(decimal.NewFromInt(1))
}

// FeatureConfig describes an AI-backed feature.
type FeatureConfig struct {
	FeatureKey          string          `json:"feature_key" yaml:"feature_key"`
	DisplayName         string          `json:"display_name" yaml:"display_name"`
	IsEnabled           bool            `json:"is_enabled" yaml:"is_enabled"`
	PreferredModel      string          `json:"preferred_model,omitempty" yaml:"preferred_model"`
	MaxTokens           int             `json:"max_tokens,omitempty" yaml:"max_tokens"`
	MinSubscriptionTier Tier            `json:"min_subscription_tier" yaml:"min_subscription_tier"`
	Override            *BudgetOverride `json:"override,omitempty" yaml:"-"`
}

// ActiveOverride returns the override only if it belongs to the given period.
func (f FeatureConfig) ActiveOverride(periodKey string) *BudgetOverride {
	if f.Override == nil || f.Override.Period != periodKey {
		return nil
	}
	return f.Override
}

// AdminDisabled reports whether the feature is off for reasons other than a
// budget lock. A budget lock left over from an earlier period has lapsed and
// counts as neither.
func (f FeatureConfig) AdminDisabled() bool {
	if f.IsEnabled {
		return false
	}
	return f.Override == nil || !f.Override.Disabled
}

// BudgetDisabled reports whether the budget engine disabled the feature for the period.
func (f FeatureConfig) BudgetDisabled(periodKey string) bool {
	o := f.ActiveOverride(periodKey)
	return o != nil && o.Disabled && !f.IsEnabled
}

// UnmarshalYAML treats an omitted is_enabled as true.
func (f *FeatureConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain FeatureConfig
	p := plain{IsEnabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = FeatureConfig(p)
	return nil
}

// Validate checks the fields an admin can set.
func (f FeatureConfig) Validate() error {
	if strings.TrimSpace(f.FeatureKey) == "" {
		return &ConfigError{Field: "feature_key", Reason: "is required"}
	}
	if f.MaxTokens < 0 {
		return &ConfigError{Scope: f.FeatureKey, Field: "max_tokens", Reason: "must not be negative"}
	}
	if f.MinSubscriptionTier < TierFree || f.MinSubscriptionTier > TierEnterprise {
		return &ConfigError{Scope: f.FeatureKey, Field: "min_subscription_tier", Reason: "is out of range"}
	}
	return nil
}

// FeatureBudget is the monthly budget for one feature. A zero budget is unlimited.
type FeatureBudget struct {
	FeatureKey            string          `json:"feature_key" yaml:"feature_key"`
	MonthlyBudget         decimal.Decimal `json:"monthly_budget" yaml:"monthly_budget"`
	AlertThresholdPercent decimal.Decimal `json:"alert_threshold_percent" yaml:"alert_threshold_percent"`
	ActionOnOverage       OverageAction   `json:"action_on_overage" yaml:"action_on_overage"`
}

// Unlimited reports whether the budget imposes no cap.
func (b FeatureBudget) Unlimited() bool {
	return b.MonthlyBudget.IsZero()
}

// Validate rejects budgets that must never be evaluated.
func (b FeatureBudget) Validate() error {
	if strings.TrimSpace(b.FeatureKey) == "" {
		return &ConfigError{Field: "feature_key", Reason: "is required"}
	}
	if b.MonthlyBudget.IsNegative() {
		return &ConfigError{Scope: b.FeatureKey, Field: "monthly_budget", Reason: "must not be negative"}
	}
	if err := validatePercent(b.FeatureKey, "alert_threshold_percent", b.AlertThresholdPercent); err != nil {
		return err
	}
	if _, err := ParseOverageAction(string(b.ActionOnOverage)); err != nil {
		return &ConfigError{Scope: b.FeatureKey, Field: "action_on_overage", Reason: fmt.Sprintf("has unknown value %q", b.ActionOnOverage)}
	}
	return nil
}

// GlobalBudgetSettings holds the process-wide budget and rate settings.
type GlobalBudgetSettings struct {
	MonthlyBudget           decimal.Decimal `json:"monthly_budget" yaml:"monthly_budget"`
	WarningThresholdPercent decimal.Decimal `json:"warning_threshold_percent" yaml:"warning_threshold_percent"`
	RateLimitPerUserHour    int64           `json:"rate_limit_per_user_hour" yaml:"rate_limit_per_user_hour"`
	RateLimitPerUserDay     int64           `json:"rate_limit_per_user_day" yaml:"rate_limit_per_user_day"`
	AIEnabled               bool            `json:"ai_enabled" yaml:"ai_enabled"`
	CachingEnabled          bool            `json:"caching_enabled" yaml:"caching_enabled"`
}

// DefaultGlobalSettings is used until an admin writes the global row.
func DefaultGlobalSettings() GlobalBudgetSettings {
	return GlobalBudgetSettings{
		WarningThresholdPercent: decimal.NewFromInt(80),
		AIEnabled:               true,
		CachingEnabled:          true,
	}
}

// UnmarshalYAML fills omitted keys from DefaultGlobalSettings.
func (g *GlobalBudgetSettings) UnmarshalYAML(node *yaml.Node) error {
	type plain GlobalBudgetSettings
	p := plain(DefaultGlobalSettings())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*g = GlobalBudgetSettings(p)
	return nil
}

// Validate rejects global settings that must never be evaluated.
func (g GlobalBudgetSettings) Validate() error {
	if g.MonthlyBudget.IsNegative() {
		return &ConfigError{Scope: GlobalScope, Field: "monthly_budget", Reason: "must not be negative"}
	}
	if err := validatePercent(GlobalScope, "warning_threshold_percent", g.WarningThresholdPercent); err != nil {
		return err
	}
	if g.RateLimitPerUserHour < 0 {
		return &ConfigError{Scope: GlobalScope, Field: "rate_limit_per_user_hour", Reason: "must not be negative"}
	}
	if g.RateLimitPerUserDay < 0 {
		return &ConfigError{Scope: GlobalScope, Field: "rate_limit_per_user_day", Reason: "must not be negative"}
	}
	return nil
}

func validatePercent(scope, field string, v decimal.Decimal) error {
	if v.IsNegative() || v.GreaterThan(hundred) {
		return &ConfigError{Scope: scope, Field: field, Reason: fmt.Sprintf("must be within [0,100], got %s", v)}
	}
	return nil
}

// GlobalScope names the aggregate-of-all-features budget scope.
const GlobalScope = "global"

// ScopeStatus is the evaluated budget state of one scope.
type ScopeStatus struct {
	Scope                 string          `json:"scope"`
	Spend                 decimal.Decimal `json:"spend"`
	Budget                decimal.Decimal `json:"budget"`
	UsagePercent          decimal.Decimal `json:"usage_percent"`
	AlertThresholdPercent decimal.Decimal `json:"alert_threshold_percent"`
	Status                BudgetStatus    `json:"status"`
	Action                OverageAction   `json:"action"`
	Transitioned          bool            `json:"transitioned"`
}

// BudgetAlert is surfaced when a scope enters the warning or exceeded state.
type BudgetAlert struct {
	Scope        string          `json:"scope"`
	Status       BudgetStatus    `json:"status"`
	Action       OverageAction   `json:"action"`
	Spend        decimal.Decimal `json:"spend"`
	Budget       decimal.Decimal `json:"budget"`
	UsagePercent decimal.Decimal `json:"usage_percent"`
	Message      string          `json:"message"`
}

// CommandKind is a state change the budget engine asks the config store to apply.
type CommandKind string

const (
	CommandDisable  CommandKind = "disable"
	CommandThrottle CommandKind = "throttle"
	CommandRestore  CommandKind = "restore"
)

// BudgetCommand is an idempotent instruction for the feature configuration store.
type BudgetCommand struct {
	Kind       CommandKind     `json:"kind"`
	FeatureKey string          `json:"feature_key"`
	Period     string          `json:"period"`
	RateFactor decimal.Decimal `json:"rate_factor,omitempty"`
}
