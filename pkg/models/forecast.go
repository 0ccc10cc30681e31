package models

import "github.com/shopspring/decimal"

// Severity ranks forecast warnings.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ForecastWarning flags a scope projected to reach or pass its budget.
type ForecastWarning struct {
	Scope         string          `json:"scope"`
	Severity      Severity        `json:"severity"`
	ProjectedCost decimal.Decimal `json:"projected_cost"`
	Budget        decimal.Decimal `json:"budget"`
	Overage       decimal.Decimal `json:"overage"`
	UsagePercent  decimal.Decimal `json:"usage_percent"`
	Message       string          `json:"message"`
}

// FeatureForecast is the end-of-period projection for one feature.
type FeatureForecast struct {
	FeatureKey            string          `json:"feature_key"`
	CostSoFar             decimal.Decimal `json:"cost_so_far"`
	RunRate               decimal.Decimal `json:"run_rate"`
	ProjectedCost         decimal.Decimal `json:"projected_cost"`
	Budget                decimal.Decimal `json:"budget"`
	AlertThresholdPercent decimal.Decimal `json:"alert_threshold_percent"`
	// BudgetUsagePercent is only meaningful when HasBudget is true.
	BudgetUsagePercent decimal.Decimal `json:"budget_usage_percent"`
	HasBudget          bool            `json:"has_budget"`
	WillExceedBudget   bool            `json:"will_exceed_budget"`
}

// ForecastResult is a derived, never persisted, end-of-period projection.
type ForecastResult struct {
	Period             Period            `json:"period"`
	CostSoFar          decimal.Decimal   `json:"cost_so_far"`
	DaysPassed         int               `json:"days_passed"`
	DaysTotal          int               `json:"days_total"`
	DaysRemaining      int               `json:"days_remaining"`
	RunRate            decimal.Decimal   `json:"run_rate"`
	ProjectedTotalCost decimal.Decimal   `json:"projected_total_cost"`
	GlobalBudget       decimal.Decimal   `json:"global_budget"`
	BudgetUsagePercent decimal.Decimal   `json:"budget_usage_percent"`
	WillExceedBudget   bool              `json:"will_exceed_budget"`
	PerFeature         []FeatureForecast `json:"per_feature"`
	Warnings           []ForecastWarning `json:"warnings"`
}
