package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// UsageEvent is one immutable record of a single completed or failed AI call.
type UsageEvent struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	FeatureKey       string          `json:"feature_key"`
	UserID           string          `json:"user_id"`
	ModelID          string          `json:"model_id"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	CacheReadTokens  int64           `json:"cache_read_tokens"`
	CostActual       decimal.Decimal `json:"cost_actual"`
	CostWithoutCache decimal.Decimal `json:"cost_without_cache"`
	Success          bool            `json:"success"`
}

// Validate checks the fields an executor must populate before appending.
func (e UsageEvent) Validate() error {
	switch {
	case e.FeatureKey == "":
		return fmt.Errorf("usage event: feature_key is required")
	case e.UserID == "":
		return fmt.Errorf("usage event: user_id is required")
	case e.Timestamp.IsZero():
		return fmt.Errorf("usage event: timestamp is required")
	case e.InputTokens < 0 || e.OutputTokens < 0 || e.CacheReadTokens < 0:
		return fmt.Errorf("usage event: token counts must not be negative")
	case e.CostActual.IsNegative():
		return fmt.Errorf("usage event: cost_actual must not be negative")
	case e.CostWithoutCache.LessThan(e.CostActual):
		return fmt.Errorf("usage event: cost_without_cache (%s) below cost_actual (%s)",
			e.CostWithoutCache, e.CostActual)
	}
	return nil
}

// Period is a half-open time range [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// MonthOf returns the calendar month containing t, in t's location.
func MonthOf(t time.Time) Period {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// ParseMonth parses "2006-01" as a calendar month in loc. An empty string
// yields the month containing now.
func ParseMonth(s string, now time.Time, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	if s == "" {
		return MonthOf(now.In(loc)), nil
	}
	t, err := time.ParseInLocation("2006-01", s, loc)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q (want YYYY-MM)", s)
	}
	return MonthOf(t), nil
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Key identifies the period's month, e.g. "2026-10".
func (p Period) Key() string {
	return p.Start.Format("2006-01")
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// Validate rejects empty or inverted ranges.
func (p Period) Validate() error {
	if !p.End.After(p.Start) {
		return fmt.Errorf("period end %s must be after start %s",
			p.End.Format(time.RFC3339), p.Start.Format(time.RFC3339))
	}
	return nil
}

// DaysInMonth returns the number of calendar days in t's month.
func DaysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// UsageQuery selects ledger events. Empty FeatureKey or UserID matches any.
type UsageQuery struct {
	FeatureKey  string `json:"feature_key,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Period      Period `json:"period"`
	SuccessOnly bool   `json:"success_only,omitempty"`
}

// Matches reports whether an event satisfies the query.
func (q UsageQuery) Matches(e UsageEvent) bool {
	if q.FeatureKey != "" && e.FeatureKey != q.FeatureKey {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.SuccessOnly && !e.Success {
		return false
	}
	return q.Period.Contains(e.Timestamp)
}

// Aggregate is a rollup of usage events.
type Aggregate struct {
	Cost             decimal.Decimal `json:"cost"`
	CostWithoutCache decimal.Decimal `json:"cost_without_cache"`
	Requests         int64           `json:"requests"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	CacheHitRequests int64           `json:"cache_hit_requests"`
	SuccessCount     int64           `json:"success_count"`
	FailureCount     int64           `json:"failure_count"`
}

// Add folds a single event into the aggregate.
func (a *Aggregate) Add(e UsageEvent) {
	a.Cost = a.Cost.Add(e.CostActual)
	a.CostWithoutCache = a.CostWithoutCache.Add(e.CostWithoutCache)
	a.Requests++
	a.InputTokens += e.InputTokens
	a.OutputTokens += e.OutputTokens
	if e.CacheReadTokens > 0 {
		a.CacheHitRequests++
	}
	if e.Success {
		a.SuccessCount++
	} else {
		a.FailureCount++
	}
}

// AverageCost returns the unrounded cost per request, zero when empty.
func (a Aggregate) AverageCost() decimal.Decimal {
	if a.Requests == 0 {
		return decimal.Zero
	}
	return a.Cost.DivRound(decimal.NewFromInt(a.Requests), 8)
}

// Dimension is the grouping key for ranked rollups.
type Dimension string

const (
	DimensionFeature Dimension = "feature"
	DimensionUser    Dimension = "user"
)

// ParseDimension validates a dimension name.
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(s); d {
	case DimensionFeature, DimensionUser:
		return d, nil
	}
	return "", fmt.Errorf("unknown dimension %q (want feature or user)", s)
}

// RankBy is the metric used to order ranked rollups.
type RankBy string

const (
	RankByCost     RankBy = "cost"
	RankByRequests RankBy = "requests"
)

// ParseRankBy validates a ranking metric name.
func ParseRankBy(s string) (RankBy, error) {
	switch r := RankBy(s); r {
	case RankByCost, RankByRequests:
		return r, nil
	}
	return "", fmt.Errorf("unknown order %q (want cost or requests)", s)
}

// RankEntry is one row of a TopN result.
type RankEntry struct {
	Key string `json:"key"`
	Aggregate
}
