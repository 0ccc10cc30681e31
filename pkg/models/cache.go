package models

import "github.com/shopspring/decimal"

// CacheSavings reports prompt-caching effectiveness over successful events.
type CacheSavings struct {
	Period           Period          `json:"period"`
	FeatureKey       string          `json:"feature_key,omitempty"`
	Requests         int64           `json:"requests"`
	CacheHitRequests int64           `json:"cache_hit_requests"`
	HitRate          decimal.Decimal `json:"hit_rate"`
	CostActual       decimal.Decimal `json:"cost_actual"`
	CostWithoutCache decimal.Decimal `json:"cost_without_cache"`
	TotalSavings     decimal.Decimal `json:"total_savings"`
	SavingsPercent   decimal.Decimal `json:"savings_percent"`
	CachingEnabled   bool            `json:"caching_enabled"`
}

// FeatureSavings is one row of a per-feature savings breakdown.
type FeatureSavings struct {
	FeatureKey       string          `json:"feature_key"`
	Requests         int64           `json:"requests"`
	CacheHitRequests int64           `json:"cache_hit_requests"`
	HitRate          decimal.Decimal `json:"hit_rate"`
	TotalSavings     decimal.Decimal `json:"total_savings"`
}
