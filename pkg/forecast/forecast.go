// Package forecast projects end-of-month spend from the elapsed-day run rate.
package forecast

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/store"
)

// CriticalOverage is the overage ratio above which a warning is critical.
var CriticalOverage = decimal.RequireFromString("0.20")

var hundred = decimal.NewFromInt(100)

// FeatureInput is one feature's spend and budget.
type FeatureInput struct {
	FeatureKey            string
	CostSoFar             decimal.Decimal
	Budget                decimal.Decimal
	AlertThresholdPercent decimal.Decimal
}

// Input is a snapshot to project from.
type Input struct {
	Period       models.Period
	DaysPassed   int
	DaysTotal    int
	CostSoFar    decimal.Decimal
	GlobalBudget decimal.Decimal
	Features     []FeatureInput
}

// InputAt returns an Input for the month containing now with day counts
// filled in. Spend and budgets are left for the caller.
func InputAt(now time.Time) Input {
	return Input{
		Period:     models.MonthOf(now),
		DaysPassed: now.Day(),
		DaysTotal:  models.DaysInMonth(now),
	}
}

// Project computes the forecast. DaysPassed below 1 is treated as 1.
func Project(in Input) models.ForecastResult {
	passed := in.DaysPassed
	if passed < 1 {
		passed = 1
	}
	total := in.DaysTotal
	if total < passed {
		total = passed
	}
	remaining := total - passed

	runRate, projected := project(in.CostSoFar, passed, remaining)
	res := models.ForecastResult{
		Period:             in.Period,
		CostSoFar:          in.CostSoFar,
		DaysPassed:         passed,
		DaysTotal:          total,
		DaysRemaining:      remaining,
		RunRate:            runRate,
		ProjectedTotalCost: projected,
		GlobalBudget:       in.GlobalBudget,
		PerFeature:         make([]models.FeatureForecast, 0, len(in.Features)),
		Warnings:           []models.ForecastWarning{},
	}

	if in.GlobalBudget.IsPositive() {
		res.BudgetUsagePercent = models.Percent(projected, in.GlobalBudget)
		res.WillExceedBudget = projected.GreaterThan(in.GlobalBudget)
		if res.WillExceedBudget {
			res.Warnings = append(res.Warnings, warning(models.GlobalScope, projected, in.GlobalBudget, res.BudgetUsagePercent))
		}
	}

	for _, f := range in.Features {
		rate, proj := project(f.CostSoFar, passed, remaining)
		ff := models.FeatureForecast{
			FeatureKey:            f.FeatureKey,
			CostSoFar:             f.CostSoFar,
			RunRate:               rate,
			ProjectedCost:         proj,
			Budget:                f.Budget,
			AlertThresholdPercent: f.AlertThresholdPercent,
		}
		if f.Budget.IsPositive() {
			ff.HasBudget = true
			ff.BudgetUsagePercent = models.Percent(proj, f.Budget)
			ff.WillExceedBudget = ff.BudgetUsagePercent.GreaterThan(hundred)
			if ff.WillExceedBudget || reachedThreshold(ff.BudgetUsagePercent, f.AlertThresholdPercent) {
				res.Warnings = append(res.Warnings, warning(f.FeatureKey, proj, f.Budget, ff.BudgetUsagePercent))
			}
		}
		res.PerFeature = append(res.PerFeature, ff)
	}

	SortWarnings(res.Warnings)
	return res
}

// reachedThreshold mirrors budget classification.
func reachedThreshold(usage, threshold decimal.Decimal) bool {
	return usage.GreaterThanOrEqual(threshold)
}

func project(cost decimal.Decimal, passed, remaining int) (runRate, projected decimal.Decimal) {
	runRate = cost.DivRound(decimal.NewFromInt(int64(passed)), 8)
	// Multiply before dividing so whole-day projections stay exact.
	projected = cost.Add(cost.Mul(decimal.NewFromInt(int64(remaining))).DivRound(decimal.NewFromInt(int64(passed)), 8))
	return runRate, projected
}

// Severity is critical when projected overshoots budget by strictly more
// than CriticalOverage, warning otherwise.
func Severity(projected, budget decimal.Decimal) models.Severity {
	if !budget.IsPositive() || !projected.GreaterThan(budget) {
		return models.SeverityWarning
	}
	ratio := projected.Sub(budget).DivRound(budget, 8)
	if ratio.GreaterThan(CriticalOverage) {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

func warning(scope string, projected, budget, usage decimal.Decimal) models.ForecastWarning {
	sev := Severity(projected, budget)
	overage := projected.Sub(budget)
	var msg string
	if overage.IsPositive() {
		msg = fmt.Sprintf("%s is projected to spend €%s against a budget of €%s (€%s over)",
			scope, models.RoundTotal(projected).StringFixed(2), models.RoundTotal(budget).StringFixed(2), models.RoundTotal(overage).StringFixed(2))
	} else {
		msg = fmt.Sprintf("%s is projected to use %s%% of its €%s budget",
			scope, usage.StringFixed(1), models.RoundTotal(budget).StringFixed(2))
	}
	return models.ForecastWarning{
		Scope:         scope,
		Severity:      sev,
		ProjectedCost: projected,
		Budget:        budget,
		Overage:       overage,
		UsagePercent:  usage,
		Message:       msg,
	}
}

// SortWarnings orders critical first, then larger overage, then scope.
func SortWarnings(ws []models.ForecastWarning) {
	sort.SliceStable(ws, func(i, j int) bool {
		a, b := ws[i], ws[j]
		if a.Severity != b.Severity {
			return a.Severity == models.SeverityCritical
		}
		if c := a.Overage.Cmp(b.Overage); c != 0 {
			return c > 0
		}
		return a.Scope < b.Scope
	})
}

// Forecaster builds inputs from the ledger and store.
type Forecaster struct {
	ledger ledger.Ledger
	store  store.Store
	loc    *time.Location
}

// NewForecaster creates a Forecaster aligning periods to loc (UTC when nil).
func NewForecaster(l ledger.Ledger, s store.Store, loc *time.Location) *Forecaster {
	if loc == nil {
		loc = time.UTC
	}
	return &Forecaster{ledger: l, store: s, loc: loc}
}

// Forecast projects the month containing now.
func (f *Forecaster) Forecast(ctx context.Context, now time.Time) (models.ForecastResult, error) {
	in := InputAt(now.In(f.loc))

	entries, err := f.ledger.TopN(ctx, models.DimensionFeature, in.Period, 0, models.RankByCost)
	if err != nil {
		return models.ForecastResult{}, fmt.Errorf("forecast: %w", err)
	}
	global, err := f.store.Global(ctx)
	if err != nil {
		return models.ForecastResult{}, fmt.Errorf("forecast: %w", err)
	}
	budgets, err := f.store.Budgets(ctx)
	if err != nil {
		return models.ForecastResult{}, fmt.Errorf("forecast: %w", err)
	}

	byKey := make(map[string]*FeatureInput)
	var keys []string
	for _, e := range entries {
		in.CostSoFar = in.CostSoFar.Add(e.Cost)
		byKey[e.Key] = &FeatureInput{FeatureKey: e.Key, CostSoFar: e.Cost}
		keys = append(keys, e.Key)
	}
	for _, b := range budgets {
		fi, ok := byKey[b.FeatureKey]
		if !ok {
			fi = &FeatureInput{FeatureKey: b.FeatureKey}
			byKey[b.FeatureKey] = fi
			keys = append(keys, b.FeatureKey)
		}
		fi.Budget = b.MonthlyBudget
		fi.AlertThresholdPercent = b.AlertThresholdPercent
	}
	sort.Strings(keys)
	for _, k := range keys {
		in.Features = append(in.Features, *byKey[k])
	}
	in.GlobalBudget = global.MonthlyBudget

	return Project(in), nil
}
