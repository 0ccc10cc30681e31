// Package usage computes deterministic rollups over a snapshot of usage events.
//
// The functions here are pure: callers pass the snapshot they read from the
// ledger and get the same answer regardless of event order.
package usage

import (
	"sort"

	"github.com/pario-ai/spendgate/pkg/models"
)

// Summarize rolls up every event matching q. An empty match yields a zero Aggregate.
func Summarize(events []models.UsageEvent, q models.UsageQuery) models.Aggregate {
	var agg models.Aggregate
	for _, e := range events {
		if q.Matches(e) {
			agg.Add(e)
		}
	}
	return agg
}

// Rank groups events in the period by dimension and returns the top n entries
// ordered by metric descending, ties broken by ascending key. n <= 0 returns all.
func Rank(events []models.UsageEvent, dim models.Dimension, period models.Period, n int, by models.RankBy) []models.RankEntry {
	groups := make(map[string]*models.Aggregate)
	q := models.UsageQuery{Period: period}
	for _, e := range events {
		if !q.Matches(e) {
			continue
		}
		key := e.FeatureKey
		if dim == models.DimensionUser {
			key = e.UserID
		}
		agg, ok := groups[key]
		if !ok {
			agg = &models.Aggregate{}
			groups[key] = agg
		}
		agg.Add(e)
	}

	entries := make([]models.RankEntry, 0, len(groups))
	for k, agg := range groups {
		entries = append(entries, models.RankEntry{Key: k, Aggregate: *agg})
	}
	SortEntries(entries, by)
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// SortEntries orders entries by metric descending, then key ascending.
func SortEntries(entries []models.RankEntry, by models.RankBy) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch by {
		case models.RankByRequests:
			if a.Requests != b.Requests {
				return a.Requests > b.Requests
			}
		default:
			if c := a.Cost.Cmp(b.Cost); c != 0 {
				return c > 0
			}
		}
		return a.Key < b.Key
	})
}
