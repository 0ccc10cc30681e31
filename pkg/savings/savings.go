// Package savings accounts for cost avoided through provider-side prompt caching.
package savings

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/models"
)

// IsCacheHit reports whether the provider served part of the prompt from cache.
func IsCacheHit(e models.UsageEvent) bool {
	return e.CacheReadTokens > 0
}

// Savings is the amount caching saved on a successful event. Failed events save nothing.
func Savings(e models.UsageEvent) decimal.Decimal {
	if !e.Success {
		return decimal.Zero
	}
	d := e.CostWithoutCache.Sub(e.CostActual)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// HitRate is hits/requests in [0,1], zero when there are no requests.
func HitRate(hits, requests int64) decimal.Decimal {
	if requests <= 0 {
		return decimal.Zero
	}
	if hits > requests {
		hits = requests
	}
	return decimal.NewFromInt(hits).DivRound(decimal.NewFromInt(requests), 8)
}

// Summarize computes savings over the successful events of a snapshot.
func Summarize(events []models.UsageEvent) models.CacheSavings {
	var s models.CacheSavings
	for _, e := range events {
		if !e.Success {
			continue
		}
		s.Requests++
		if IsCacheHit(e) {
			s.CacheHitRequests++
		}
		s.CostActual = s.CostActual.Add(e.CostActual)
		s.CostWithoutCache = s.CostWithoutCache.Add(e.CostWithoutCache)
		s.TotalSavings = s.TotalSavings.Add(Savings(e))
	}
	s.HitRate = HitRate(s.CacheHitRequests, s.Requests)
	s.SavingsPercent = models.Percent(s.TotalSavings, s.CostWithoutCache)
	return s
}

// SettingsSource supplies the global caching flag.
type SettingsSource interface {
	Global(ctx context.Context) (models.GlobalBudgetSettings, error)
}

// Accountant builds savings reports from ledger snapshots.
type Accountant struct {
	ledger   ledger.Ledger
	settings SettingsSource
}

// NewAccountant creates an Accountant. settings may be nil, in which case
// caching is reported as enabled.
func NewAccountant(l ledger.Ledger, settings SettingsSource) *Accountant {
	return &Accountant{ledger: l, settings: settings}
}

// Report summarizes savings for the period, optionally for one feature.
// Historic savings stay visible when caching is switched off.
func (a *Accountant) Report(ctx context.Context, period models.Period, featureKey string) (models.CacheSavings, error) {
	events, err := a.ledger.Events(ctx, models.UsageQuery{Period: period, FeatureKey: featureKey, SuccessOnly: true})
	if err != nil {
		return models.CacheSavings{}, fmt.Errorf("cache savings report: %w", err)
	}
	s := Summarize(events)
	s.Period = period
	s.FeatureKey = featureKey
	s.CachingEnabled = true
	if a.settings != nil {
		g, err := a.settings.Global(ctx)
		if err != nil {
			return models.CacheSavings{}, fmt.Errorf("cache savings report: %w", err)
		}
		s.CachingEnabled = g.CachingEnabled
	}
	return s, nil
}

// ByFeature breaks savings down per feature, largest savings first.
func (a *Accountant) ByFeature(ctx context.Context, period models.Period) ([]models.FeatureSavings, error) {
	events, err := a.ledger.Events(ctx, models.UsageQuery{Period: period, SuccessOnly: true})
	if err != nil {
		return nil, fmt.Errorf("cache savings by feature: %w", err)
	}
	grouped := make(map[string][]models.UsageEvent)
	for _, e := range events {
		grouped[e.FeatureKey] = append(grouped[e.FeatureKey], e)
	}
	out := make([]models.FeatureSavings, 0, len(grouped))
	for key, evs := range grouped {
		s := Summarize(evs)
		out = append(out, models.FeatureSavings{
			FeatureKey:       key,
			Requests:         s.Requests,
			CacheHitRequests: s.CacheHitRequests,
			HitRate:          s.HitRate,
			TotalSavings:     s.TotalSavings,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalSavings.Cmp(out[j].TotalSavings); c != 0 {
			return c > 0
		}
		return out[i].FeatureKey < out[j].FeatureKey
	})
	return out, nil
}
