// Package admission decides, before every AI call, whether the call may run.
//
// Checks run in a fixed order and stop at the first denial: global AI switch,
// feature enabled, subscription tier, global budget, feature budget, hourly
// cap, daily cap. The rate reservation is the last step, so a call denied for
// any earlier reason never consumes a slot.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/config"
	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/metrics"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/store"
)

// TierResolver looks up a user's subscription tier.
type TierResolver interface {
	TierOf(ctx context.Context, userID string) (models.Tier, error)
}

// StaticTiers resolves tiers from a fixed map.
type StaticTiers struct {
	Default models.Tier
	Users   map[string]models.Tier
}

// TiersFromConfig copies the tiers section of cfg.
func TiersFromConfig(cfg *config.Config) StaticTiers {
	users := make(map[string]models.Tier, len(cfg.Tiers.Users))
	for u, t := range cfg.Tiers.Users {
		users[u] = t
	}
	return StaticTiers{Default: cfg.Tiers.Default, Users: users}
}

// TierOf implements TierResolver.
func (s StaticTiers) TierOf(_ context.Context, userID string) (models.Tier, error) {
	if t, ok := s.Users[userID]; ok {
		return t, nil
	}
	return s.Default, nil
}

// Options configures a Controller. Zero values take defaults.
type Options struct {
	// ThrottleFactor scales rate caps for throttled features when the
	// override carries no factor of its own.
	ThrottleFactor decimal.Decimal
	Location       *time.Location
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	// Now overrides the clock.
	Now func() time.Time
}

// Controller performs admission checks.
type Controller struct {
	store          store.Store
	ledger         ledger.Ledger
	counter        Counter
	tiers          TierResolver
	throttleFactor decimal.Decimal
	loc            *time.Location
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// New creates a Controller.
func New(s store.Store, l ledger.Ledger, c Counter, tiers TierResolver, opts Options) *Controller {
	factor := opts.ThrottleFactor
	if !factor.IsPositive() {
		factor = budget.DefaultThrottleFactor
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if tiers == nil {
		tiers = StaticTiers{}
	}
	return &Controller{
		store:          s,
		ledger:         l,
		counter:        c,
		tiers:          tiers,
		throttleFactor: factor,
		loc:            loc,
		logger:         logger.With("component", "admission"),
		metrics:        opts.Metrics,
		now:            now,
	}
}

// CheckAndReserve decides whether userID may call featureKey now and, when
// every policy check passes, reserves a rate slot. A denial is returned as a
// Decision with a nil error. Errors mean the decision could not be made, for
// example because the ledger or store is unavailable.
func (c *Controller) CheckAndReserve(ctx context.Context, userID, featureKey string) (models.Decision, error) {
	start := time.Now()
	d, err := c.check(ctx, userID, featureKey, c.now())
	if err != nil {
		c.logger.Error("admission check failed", "user", userID, "feature", featureKey, "error", err)
		return models.Decision{}, err
	}
	c.metrics.RecordDecision(d, time.Since(start))
	if !d.Allowed {
		c.logger.Debug("admission denied", "user", userID, "feature", featureKey, "reason", d.Reason)
	}
	return d, nil
}

func (c *Controller) check(ctx context.Context, userID, featureKey string, now time.Time) (models.Decision, error) {
	period := models.MonthOf(now.In(c.loc))
	periodKey := period.Key()

	global, err := c.store.Global(ctx)
	if err != nil {
		return models.Decision{}, fmt.Errorf("admission: %w", err)
	}
	if !global.AIEnabled {
		return models.Deny(userID, featureKey, models.ReasonAIDisabledGlobally), nil
	}

	feature, err := c.store.Feature(ctx, featureKey)
	if errors.Is(err, store.ErrNotFound) {
		return models.Deny(userID, featureKey, models.ReasonFeatureDisabled), nil
	}
	if err != nil {
		return models.Decision{}, fmt.Errorf("admission: %w", err)
	}
	if feature.AdminDisabled() {
		return models.Deny(userID, featureKey, models.ReasonFeatureDisabled), nil
	}

	tier, err := c.tiers.TierOf(ctx, userID)
	if err != nil {
		return models.Decision{}, fmt.Errorf("admission: resolve tier: %w", err)
	}
	if !tier.Satisfies(feature.MinSubscriptionTier) {
		return models.Deny(userID, featureKey, models.ReasonSubscriptionInsufficient), nil
	}

	if global.MonthlyBudget.IsPositive() {
		total, err := c.ledger.Aggregate(ctx, models.UsageQuery{Period: period})
		if err != nil {
			return models.Decision{}, fmt.Errorf("admission: %w", err)
		}
		if budget.GlobalExceeded(global, total.Cost) {
			return models.Deny(userID, featureKey, models.ReasonGlobalBudgetExceeded), nil
		}
	}

	if feature.BudgetDisabled(periodKey) {
		return models.Deny(userID, featureKey, models.ReasonFeatureBudgetExceeded), nil
	}
	throttled, factor := false, c.throttleFactor
	if o := feature.ActiveOverride(periodKey); o.Throttled() {
		throttled, factor = true, o.RateFactor
	}

	fb, err := c.store.Budget(ctx, featureKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return models.Decision{}, fmt.Errorf("admission: %w", err)
	case fb.ActionOnOverage == models.ActionDisable || (fb.ActionOnOverage == models.ActionThrottle && !throttled):
		spent, err := c.ledger.Aggregate(ctx, models.UsageQuery{FeatureKey: featureKey, Period: period})
		if err != nil {
			return models.Decision{}, fmt.Errorf("admission: %w", err)
		}
		if budget.FeatureStatus(fb, spent.Cost).Status == models.StatusExceeded {
			if fb.ActionOnOverage == models.ActionDisable {
				return models.Deny(userID, featureKey, models.ReasonFeatureBudgetExceeded), nil
			}
			throttled = true
		}
	}

	hourCap := global.RateLimitPerUserHour
	dayCap := global.RateLimitPerUserDay
	if throttled {
		hourCap = scaleCap(hourCap, factor)
		dayCap = scaleCap(dayCap, factor)
	}

	if err := ctx.Err(); err != nil {
		return models.Decision{}, err
	}
	w := WindowsAt(now, c.loc)
	// A call over the hourly cap never reaches the daily counter.
	counts, err := c.counter.Reserve(ctx, userID, w, hourCap)
	if err != nil {
		return models.Decision{}, fmt.Errorf("admission: %w", err)
	}

	d := models.Allow(userID, featureKey)
	switch {
	case hourCap > 0 && counts.Hourly > hourCap:
		d = models.Deny(userID, featureKey, models.ReasonHourlyLimitExceeded)
		d.RetryAt = w.HourEnd()
	case dayCap > 0 && counts.Daily > dayCap:
		d = models.Deny(userID, featureKey, models.ReasonDailyLimitExceeded)
		d.RetryAt = w.DayEnd()
	}
	d.HourlyCount, d.HourlyLimit = counts.Hourly, hourCap
	d.DailyCount, d.DailyLimit = counts.Daily, dayCap
	d.Throttled = throttled
	return d, nil
}

// scaleCap multiplies a cap by factor, rounding down but never to zero.
// Zero stays zero: it means unlimited.
func scaleCap(limit int64, factor decimal.Decimal) int64 {
	if limit <= 0 {
		return limit
	}
	scaled := decimal.NewFromInt(limit).Mul(factor).Floor().IntPart()
	if scaled < 1 {
		return 1
	}
	return scaled
}

// Usage is a user's current rate window state.
type Usage struct {
	UserID      string    `json:"user_id"`
	Counts      Counts    `json:"counts"`
	HourlyLimit int64     `json:"hourly_limit"`
	DailyLimit  int64     `json:"daily_limit"`
	HourResetAt time.Time `json:"hour_reset_at"`
	DayResetAt  time.Time `json:"day_reset_at"`
}

// Usage reports userID's counts without reserving anything. Limits are the
// unthrottled global caps.
func (c *Controller) Usage(ctx context.Context, userID string, now time.Time) (Usage, error) {
	global, err := c.store.Global(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("admission usage: %w", err)
	}
	w := WindowsAt(now, c.loc)
	counts, err := c.counter.Peek(ctx, userID, w)
	if err != nil {
		return Usage{}, fmt.Errorf("admission usage: %w", err)
	}
	return Usage{
		UserID:      userID,
		Counts:      counts,
		HourlyLimit: global.RateLimitPerUserHour,
		DailyLimit:  global.RateLimitPerUserDay,
		HourResetAt: w.HourEnd(),
		DayResetAt:  w.DayEnd(),
	}, nil
}
