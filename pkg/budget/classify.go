// Package budget evaluates per-feature and global monthly budgets against
// ledger spend and issues enforcement commands on status transitions.
package budget

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// Classify maps spend against a budget to a status and usage percentage.
// A zero budget is unlimited and always OK. A zero alert threshold puts
// any spend in the warning band.
func Classify(spend, budget, alertThresholdPercent decimal.Decimal) (models.BudgetStatus, decimal.Decimal) {
	if !budget.IsPositive() {
		return models.StatusOK, decimal.Zero
	}
	usage := models.Percent(spend, budget)
	switch {
	case usage.GreaterThanOrEqual(hundred):
		return models.StatusExceeded, usage
	case usage.GreaterThanOrEqual(alertThresholdPercent):
		return models.StatusWarning, usage
	default:
		return models.StatusOK, usage
	}
}

// FeatureStatus evaluates one feature's budget.
func FeatureStatus(b models.FeatureBudget, spend decimal.Decimal) models.ScopeStatus {
	status, usage := Classify(spend, b.MonthlyBudget, b.AlertThresholdPercent)
	action := b.ActionOnOverage
	if action == "" {
		action = models.ActionNone
	}
	return models.ScopeStatus{
		Scope:                 b.FeatureKey,
		Spend:                 spend,
		Budget:                b.MonthlyBudget,
		UsagePercent:          usage,
		AlertThresholdPercent: b.AlertThresholdPercent,
		Status:                status,
		Action:                action,
	}
}

// GlobalStatus evaluates the aggregate-of-all-features budget. Its overage
// consequence is fixed: admission denies every call.
func GlobalStatus(g models.GlobalBudgetSettings, spend decimal.Decimal) models.ScopeStatus {
	status, usage := Classify(spend, g.MonthlyBudget, g.WarningThresholdPercent)
	return models.ScopeStatus{
		Scope:                 models.GlobalScope,
		Spend:                 spend,
		Budget:                g.MonthlyBudget,
		UsagePercent:          usage,
		AlertThresholdPercent: g.WarningThresholdPercent,
		Status:                status,
		Action:                models.ActionDisable,
	}
}

// GlobalExceeded reports whether all AI calls must be denied.
func GlobalExceeded(g models.GlobalBudgetSettings, spend decimal.Decimal) bool {
	return g.MonthlyBudget.IsPositive() && spend.GreaterThanOrEqual(g.MonthlyBudget)
}

func alertFor(s models.ScopeStatus) models.BudgetAlert {
	return models.BudgetAlert{
		Scope:        s.Scope,
		Status:       s.Status,
		Action:       s.Action,
		Spend:        s.Spend,
		Budget:       s.Budget,
		UsagePercent: s.UsagePercent,
		Message:      alertMessage(s),
	}
}

func alertMessage(s models.ScopeStatus) string {
	spent := fmt.Sprintf("spent €%s of €%s (%s%%)",
		models.RoundTotal(s.Spend).StringFixed(2), models.RoundTotal(s.Budget).StringFixed(2), s.UsagePercent.StringFixed(1))
	if s.Status == models.StatusWarning {
		return fmt.Sprintf("%s budget reached its alert threshold: %s", s.Scope, spent)
	}
	if s.Scope == models.GlobalScope {
		return fmt.Sprintf("global budget exceeded, all AI calls are denied: %s", spent)
	}
	switch s.Action {
	case models.ActionDisable:
		return fmt.Sprintf("%s budget exceeded, feature disabled until next period: %s", s.Scope, spent)
	case models.ActionThrottle:
		return fmt.Sprintf("%s budget exceeded, rate limits reduced until next period: %s", s.Scope, spent)
	default:
		return fmt.Sprintf("%s budget exceeded: %s", s.Scope, spent)
	}
}
