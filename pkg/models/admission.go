package models

import "time"

// DenyReason explains why admission control refused a call.
type DenyReason string

const (
	ReasonNone                     DenyReason = ""
	ReasonAIDisabledGlobally       DenyReason = "ai_disabled_globally"
	ReasonFeatureDisabled          DenyReason = "feature_disabled"
	ReasonSubscriptionInsufficient DenyReason = "subscription_insufficient"
	ReasonGlobalBudgetExceeded     DenyReason = "global_budget_exceeded"
	ReasonFeatureBudgetExceeded    DenyReason = "feature_budget_exceeded"
	ReasonHourlyLimitExceeded      DenyReason = "hourly_limit_exceeded"
	ReasonDailyLimitExceeded       DenyReason = "daily_limit_exceeded"
)

// Message is a caller-facing description of the reason.
func (r DenyReason) Message() string {
	switch r {
	case ReasonNone:
		return "allowed"
	case ReasonAIDisabledGlobally:
		return "AI features are currently disabled"
	case ReasonFeatureDisabled:
		return "this feature is disabled"
	case ReasonSubscriptionInsufficient:
		return "your subscription does not include this feature"
	case ReasonGlobalBudgetExceeded:
		return "the monthly AI budget has been used up"
	case ReasonFeatureBudgetExceeded:
		return "the monthly budget for this feature has been used up"
	case ReasonHourlyLimitExceeded:
		return "hourly request limit reached"
	case ReasonDailyLimitExceeded:
		return "daily request limit reached"
	}
	return string(r)
}

// Decision is the outcome of an admission check. A denial is a normal
// policy result, not an error.
type Decision struct {
	Allowed     bool       `json:"allowed"`
	Reason      DenyReason `json:"reason,omitempty"`
	UserID      string     `json:"user_id"`
	FeatureKey  string     `json:"feature_key"`
	HourlyCount int64      `json:"hourly_count,omitempty"`
	HourlyLimit int64      `json:"hourly_limit,omitempty"`
	DailyCount  int64      `json:"daily_count,omitempty"`
	DailyLimit  int64      `json:"daily_limit,omitempty"`
	Throttled   bool       `json:"throttled,omitempty"`
	// RetryAt is set for rate-limit denials: the start of the next window.
	RetryAt time.Time `json:"retry_at,omitzero"`
}

// Allow builds an allowing decision.
func Allow(userID, featureKey string) Decision {
	return Decision{Allowed: true, UserID: userID, FeatureKey: featureKey}
}

// Deny builds a denying decision.
func Deny(userID, featureKey string, reason DenyReason) Decision {
	return Decision{Allowed: false, Reason: reason, UserID: userID, FeatureKey: featureKey}
}
