// Package report renders engine results for people: rounded JSON views for
// the HTTP API and aligned text tables for the CLI and MCP tools.
//
// Amounts are rounded here and nowhere else: totals to 2 decimals, per-request
// averages to 4.
package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/models"
)

// Money formats a total as euros with thousands separators, e.g. "€1,234.50".
func Money(d decimal.Decimal) string {
	r := models.RoundTotal(d)
	sign := ""
	if r.IsNegative() {
		sign = "-"
		r = r.Neg()
	}
	whole := r.Truncate(0)
	frac := r.Sub(whole).StringFixed(2)[1:]
	return sign + "€" + humanize.Comma(whole.IntPart()) + frac
}

// Unit formats a per-request amount.
func Unit(d decimal.Decimal) string {
	return "€" + models.RoundUnit(d).StringFixed(4)
}

// Pct formats a percentage with one decimal.
func Pct(d decimal.Decimal) string {
	return d.StringFixed(1) + "%"
}

// Count formats an integer with thousands separators.
func Count(n int64) string {
	return humanize.Comma(n)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// AggregateView is the presentation form of models.Aggregate.
type AggregateView struct {
	Key              string `json:"key,omitempty"`
	Cost             string `json:"cost"`
	CostWithoutCache string `json:"cost_without_cache"`
	AverageCost      string `json:"average_cost"`
	Requests         int64  `json:"requests"`
	InputTokens      int64  `json:"input_tokens"`
	OutputTokens     int64  `json:"output_tokens"`
	CacheHitRequests int64  `json:"cache_hit_requests"`
	SuccessCount     int64  `json:"success_count"`
	FailureCount     int64  `json:"failure_count"`
}

// NewAggregateView rounds an aggregate for display.
func NewAggregateView(key string, a models.Aggregate) AggregateView {
	return AggregateView{
		Key:              key,
		Cost:             models.RoundTotal(a.Cost).StringFixed(2),
		CostWithoutCache: models.RoundTotal(a.CostWithoutCache).StringFixed(2),
		AverageCost:      models.RoundUnit(a.AverageCost()).StringFixed(4),
		Requests:         a.Requests,
		InputTokens:      a.InputTokens,
		OutputTokens:     a.OutputTokens,
		CacheHitRequests: a.CacheHitRequests,
		SuccessCount:     a.SuccessCount,
		FailureCount:     a.FailureCount,
	}
}

// NewRankViews rounds TopN entries.
func NewRankViews(entries []models.RankEntry) []AggregateView {
	out := make([]AggregateView, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewAggregateView(e.Key, e.Aggregate))
	}
	return out
}

// WriteAggregate prints a usage summary for one period.
func WriteAggregate(w io.Writer, period models.Period, a models.Aggregate) error {
	if a.Requests == 0 {
		_, err := fmt.Fprintf(w, "No usage recorded in %s.\n", period.Key())
		return err
	}
	t := newTable(w)
	fmt.Fprintf(t, "PERIOD\t%s\n", period.Key())
	fmt.Fprintf(t, "REQUESTS\t%s (%s failed)\n", Count(a.Requests), Count(a.FailureCount))
	fmt.Fprintf(t, "TOKENS\t%s in / %s out\n", Count(a.InputTokens), Count(a.OutputTokens))
	fmt.Fprintf(t, "COST\t%s\n", Money(a.Cost))
	fmt.Fprintf(t, "AVG COST\t%s\n", Unit(a.AverageCost()))
	fmt.Fprintf(t, "CACHE HITS\t%s\n", Count(a.CacheHitRequests))
	return t.Flush()
}

// WriteTop prints a ranked table.
func WriteTop(w io.Writer, dim models.Dimension, entries []models.RankEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No usage data found.")
		return err
	}
	t := newTable(w)
	fmt.Fprintf(t, "#\t%s\tREQUESTS\tCOST\tAVG COST\tCACHE HITS\n", strings.ToUpper(string(dim)))
	for i, e := range entries {
		fmt.Fprintf(t, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, e.Key, Count(e.Requests), Money(e.Cost), Unit(e.AverageCost()), Count(e.CacheHitRequests))
	}
	return t.Flush()
}

// WriteSavings prints a cache savings report and an optional breakdown.
func WriteSavings(w io.Writer, s models.CacheSavings, byFeature []models.FeatureSavings) error {
	t := newTable(w)
	fmt.Fprintf(t, "PERIOD\t%s\n", s.Period.Key())
	if s.FeatureKey != "" {
		fmt.Fprintf(t, "FEATURE\t%s\n", s.FeatureKey)
	}
	fmt.Fprintf(t, "CACHING\t%s\n", onOff(s.CachingEnabled))
	fmt.Fprintf(t, "REQUESTS\t%s\n", Count(s.Requests))
	fmt.Fprintf(t, "CACHE HITS\t%s (%s)\n", Count(s.CacheHitRequests), Pct(s.HitRate.Mul(decimal.NewFromInt(100))))
	fmt.Fprintf(t, "ACTUAL COST\t%s\n", Money(s.CostActual))
	fmt.Fprintf(t, "WITHOUT CACHE\t%s\n", Money(s.CostWithoutCache))
	fmt.Fprintf(t, "SAVED\t%s (%s)\n", Money(s.TotalSavings), Pct(s.SavingsPercent))
	if err := t.Flush(); err != nil {
		return err
	}
	if len(byFeature) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	t = newTable(w)
	fmt.Fprintln(t, "FEATURE\tREQUESTS\tHITS\tHIT RATE\tSAVED")
	for _, f := range byFeature {
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\n",
			f.FeatureKey, Count(f.Requests), Count(f.CacheHitRequests),
			Pct(f.HitRate.Mul(decimal.NewFromInt(100))), Money(f.TotalSavings))
	}
	return t.Flush()
}

// WriteBudget prints budget statuses, then any alerts and commands.
func WriteBudget(w io.Writer, ev *budget.Evaluation) error {
	t := newTable(w)
	fmt.Fprintf(t, "SCOPE\tSPEND\tBUDGET\tUSAGE\tSTATUS\tACTION\n")
	writeScope(t, ev.Global)
	for _, st := range ev.Features {
		writeScope(t, st)
	}
	if err := t.Flush(); err != nil {
		return err
	}
	for _, a := range ev.Alerts {
		fmt.Fprintf(w, "alert: %s\n", a.Message)
	}
	for _, c := range ev.Commands {
		fmt.Fprintf(w, "applied: %s %s (%s)\n", c.Kind, c.FeatureKey, c.Period)
	}
	return nil
}

func writeScope(t io.Writer, st models.ScopeStatus) {
	limit, usage := "unlimited", "-"
	if st.Budget.IsPositive() {
		limit, usage = Money(st.Budget), Pct(st.UsagePercent)
	}
	fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\t%s\n",
		st.Scope, Money(st.Spend), limit, usage, strings.ToUpper(string(st.Status)), st.Action)
}

// WriteForecast prints a forecast with per-feature projections and warnings.
func WriteForecast(w io.Writer, f models.ForecastResult) error {
	t := newTable(w)
	fmt.Fprintf(t, "PERIOD\t%s (day %d of %d)\n", f.Period.Key(), f.DaysPassed, f.DaysTotal)
	fmt.Fprintf(t, "SPENT\t%s\n", Money(f.CostSoFar))
	fmt.Fprintf(t, "RUN RATE\t%s/day\n", Money(f.RunRate))
	fmt.Fprintf(t, "PROJECTED\t%s\n", Money(f.ProjectedTotalCost))
	if f.GlobalBudget.IsPositive() {
		fmt.Fprintf(t, "BUDGET\t%s (%s projected)\n", Money(f.GlobalBudget), Pct(f.BudgetUsagePercent))
	}
	if err := t.Flush(); err != nil {
		return err
	}
	if len(f.PerFeature) > 0 {
		fmt.Fprintln(w)
		t = newTable(w)
		fmt.Fprintln(t, "FEATURE\tSPENT\tPROJECTED\tBUDGET\tUSAGE")
		for _, ff := range f.PerFeature {
			limit, usage := "-", "-"
			if ff.HasBudget {
				limit, usage = Money(ff.Budget), Pct(ff.BudgetUsagePercent)
			}
			fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\n",
				ff.FeatureKey, Money(ff.CostSoFar), Money(ff.ProjectedCost), limit, usage)
		}
		if err := t.Flush(); err != nil {
			return err
		}
	}
	if len(f.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, wn := range f.Warnings {
			fmt.Fprintf(w, "[%s] %s\n", strings.ToUpper(string(wn.Severity)), wn.Message)
		}
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// RoundForecast returns a copy of f with amounts rounded to cents and
// percentages to two decimals. Run rates keep four decimals.
func RoundForecast(f models.ForecastResult) models.ForecastResult {
	f.CostSoFar = models.RoundTotal(f.CostSoFar)
	f.RunRate = models.RoundUnit(f.RunRate)
	f.ProjectedTotalCost = models.RoundTotal(f.ProjectedTotalCost)
	f.GlobalBudget = models.RoundTotal(f.GlobalBudget)
	f.BudgetUsagePercent = f.BudgetUsagePercent.Round(2)

	per := make([]models.FeatureForecast, len(f.PerFeature))
	for i, ff := range f.PerFeature {
		ff.CostSoFar = models.RoundTotal(ff.CostSoFar)
		ff.RunRate = models.RoundUnit(ff.RunRate)
		ff.ProjectedCost = models.RoundTotal(ff.ProjectedCost)
		ff.Budget = models.RoundTotal(ff.Budget)
		ff.BudgetUsagePercent = ff.BudgetUsagePercent.Round(2)
		per[i] = ff
	}
	f.PerFeature = per

	ws := make([]models.ForecastWarning, len(f.Warnings))
	for i, w := range f.Warnings {
		w.ProjectedCost = models.RoundTotal(w.ProjectedCost)
		w.Budget = models.RoundTotal(w.Budget)
		w.Overage = models.RoundTotal(w.Overage)
		w.UsagePercent = w.UsagePercent.Round(2)
		ws[i] = w
	}
	f.Warnings = ws
	return f
}
