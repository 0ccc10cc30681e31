package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/metrics"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/store"
)

// DefaultThrottleFactor halves a throttled feature's rate caps.
var DefaultThrottleFactor = decimal.RequireFromString("0.5")

// Options configures an Engine. Zero values take defaults.
type Options struct {
	ThrottleFactor decimal.Decimal
	Location       *time.Location
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Engine evaluates budgets and enacts overage consequences through the store.
//
// The only state the engine keeps is the last status it saw per period and
// scope, used to emit commands on transitions. It is lost on restart, which
// at most re-emits idempotent commands.
type Engine struct {
	store          store.Store
	ledger         ledger.Ledger
	throttleFactor decimal.Decimal
	loc            *time.Location
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu       sync.Mutex
	lastSeen map[string]models.BudgetStatus
}

// Evaluation is the result of one pass over every budget scope.
type Evaluation struct {
	Period   models.Period          `json:"period"`
	Global   models.ScopeStatus     `json:"global"`
	Features []models.ScopeStatus   `json:"features"`
	Alerts   []models.BudgetAlert   `json:"alerts"`
	Commands []models.BudgetCommand `json:"commands"`
}

// New creates an Engine.
func New(s store.Store, l ledger.Ledger, opts Options) *Engine {
	factor := opts.ThrottleFactor
	if !factor.IsPositive() {
		factor = DefaultThrottleFactor
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:          s,
		ledger:         l,
		throttleFactor: factor,
		loc:            loc,
		logger:         logger.With("component", "budget"),
		metrics:        opts.Metrics,
		lastSeen:       make(map[string]models.BudgetStatus),
	}
}

// Period returns the calendar month containing now in the engine's location.
func (e *Engine) Period(now time.Time) models.Period {
	return models.MonthOf(now.In(e.loc))
}

type snapshot struct {
	period   models.Period
	global   models.GlobalBudgetSettings
	budgets  []models.FeatureBudget
	features map[string]models.FeatureConfig
	spend    map[string]decimal.Decimal
	total    decimal.Decimal
}

func (e *Engine) snapshot(ctx context.Context, now time.Time) (*snapshot, error) {
	period := e.Period(now)
	global, err := e.store.Global(ctx)
	if err != nil {
		return nil, fmt.Errorf("read global settings: %w", err)
	}
	budgets, err := e.store.Budgets(ctx)
	if err != nil {
		return nil, fmt.Errorf("read budgets: %w", err)
	}
	features, err := e.store.Features(ctx)
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	entries, err := e.ledger.TopN(ctx, models.DimensionFeature, period, 0, models.RankByCost)
	if err != nil {
		return nil, fmt.Errorf("read feature spend: %w", err)
	}

	snap := &snapshot{
		period:   period,
		global:   global,
		budgets:  budgets,
		features: make(map[string]models.FeatureConfig, len(features)),
		spend:    make(map[string]decimal.Decimal, len(entries)),
	}
	for _, f := range features {
		snap.features[f.FeatureKey] = f
	}
	for _, entry := range entries {
		snap.spend[entry.Key] = entry.Cost
		snap.total = snap.total.Add(entry.Cost)
	}
	return snap, nil
}

func (s *snapshot) statuses() (models.ScopeStatus, []models.ScopeStatus) {
	global := GlobalStatus(s.global, s.total)
	features := make([]models.ScopeStatus, 0, len(s.budgets))
	for _, b := range s.budgets {
		features = append(features, FeatureStatus(b, s.spend[b.FeatureKey]))
	}
	return global, features
}

// Status computes the current statuses without emitting anything.
func (e *Engine) Status(ctx context.Context, now time.Time) (*Evaluation, error) {
	snap, err := e.snapshot(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("budget status: %w", err)
	}
	global, features := snap.statuses()
	return &Evaluation{Period: snap.period, Global: global, Features: features}, nil
}

// Evaluate computes statuses, surfaces alerts for transitions and applies the
// resulting commands. A scope whose command fails keeps its previous status,
// so the next evaluation retries it; the returned error joins those failures.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) (*Evaluation, error) {
	snap, err := e.snapshot(ctx, now)
	if err != nil {
		e.metrics.RecordEvaluation(err)
		return nil, fmt.Errorf("budget evaluate: %w", err)
	}
	global, features := snap.statuses()
	ev := &Evaluation{Period: snap.period}
	periodKey := snap.period.Key()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(periodKey)

	var errs []error

	global.Transitioned = e.transitioned(periodKey, global)
	if global.Transitioned && global.Status != models.StatusOK {
		e.alert(ev, global)
	}
	e.lastSeen[e.key(periodKey, global.Scope)] = global.Status
	e.metrics.SetBudgetUsage(global.Scope, global.UsagePercent)
	ev.Global = global

	budgeted := make(map[string]bool, len(features))
	for _, st := range features {
		budgeted[st.Scope] = true
	}

	// Overrides from an earlier period, or on features that lost their
	// budget, lapse. They are lifted before this period's commands run.
	for _, key := range sortedKeys(snap.features) {
		f := snap.features[key]
		if f.Override == nil || (budgeted[key] && f.Override.Period == periodKey) {
			continue
		}
		cmd := models.BudgetCommand{Kind: models.CommandRestore, FeatureKey: key, Period: periodKey}
		if err := e.apply(ctx, ev, []models.BudgetCommand{cmd}); err != nil {
			errs = append(errs, err)
		}
	}

	for i := range features {
		st := &features[i]
		st.Transitioned = e.transitioned(periodKey, *st)
		e.metrics.SetBudgetUsage(st.Scope, st.UsagePercent)

		cmds := e.consequences(*st, snap.features[st.Scope], periodKey)
		if st.Transitioned && alertable(*st) {
			e.alert(ev, *st)
		}
		if err := e.apply(ctx, ev, cmds); err != nil {
			errs = append(errs, err)
			continue
		}
		e.lastSeen[e.key(periodKey, st.Scope)] = st.Status
	}
	ev.Features = features

	err = errors.Join(errs...)
	e.metrics.RecordEvaluation(err)
	return ev, err
}

// consequences decides which commands a scope needs. Caller holds e.mu.
func (e *Engine) consequences(st models.ScopeStatus, f models.FeatureConfig, periodKey string) []models.BudgetCommand {
	if !st.Transitioned {
		return nil
	}
	if st.Status != models.StatusExceeded {
		if f.ActiveOverride(periodKey) != nil {
			return []models.BudgetCommand{{Kind: models.CommandRestore, FeatureKey: st.Scope, Period: periodKey}}
		}
		return nil
	}
	switch st.Action {
	case models.ActionNone, models.ActionWarn:
		return nil
	case models.ActionDisable:
		return []models.BudgetCommand{{Kind: models.CommandDisable, FeatureKey: st.Scope, Period: periodKey}}
	case models.ActionThrottle:
		return []models.BudgetCommand{{Kind: models.CommandThrottle, FeatureKey: st.Scope, Period: periodKey, RateFactor: e.throttleFactor}}
	}
	return nil
}

func alertable(st models.ScopeStatus) bool {
	switch st.Status {
	case models.StatusWarning:
		return true
	case models.StatusExceeded:
		return st.Action != models.ActionNone
	}
	return false
}

func (e *Engine) apply(ctx context.Context, ev *Evaluation, cmds []models.BudgetCommand) error {
	for _, cmd := range cmds {
		var err error
		switch cmd.Kind {
		case models.CommandDisable:
			err = e.store.DisableFeature(ctx, cmd.FeatureKey, cmd.Period)
		case models.CommandThrottle:
			err = e.store.ThrottleFeature(ctx, cmd.FeatureKey, cmd.Period, cmd.RateFactor)
		case models.CommandRestore:
			err = e.store.RestoreFeature(ctx, cmd.FeatureKey)
		}
		if errors.Is(err, store.ErrNotFound) {
			// Budgets may exist for features that were never configured.
			e.logger.Debug("budget command skipped, feature not configured",
				"feature", cmd.FeatureKey, "kind", cmd.Kind)
			continue
		}
		if err != nil {
			e.logger.Error("budget command failed",
				"feature", cmd.FeatureKey, "kind", cmd.Kind, "period", cmd.Period, "error", err)
			return fmt.Errorf("%s %s: %w", cmd.Kind, cmd.FeatureKey, err)
		}
		e.logger.Info("budget command applied",
			"feature", cmd.FeatureKey, "kind", cmd.Kind, "period", cmd.Period)
		e.metrics.RecordCommand(cmd)
		ev.Commands = append(ev.Commands, cmd)
	}
	return nil
}

func (e *Engine) alert(ev *Evaluation, st models.ScopeStatus) {
	a := alertFor(st)
	level := slog.LevelWarn
	if st.Status == models.StatusExceeded {
		level = slog.LevelError
	}
	e.logger.Log(context.Background(), level, a.Message,
		"scope", a.Scope,
		"status", a.Status,
		"action", a.Action,
		"spend", a.Spend.String(),
		"budget", a.Budget.String(),
		"usage_percent", a.UsagePercent.StringFixed(2),
	)
	e.metrics.RecordAlert(a)
	ev.Alerts = append(ev.Alerts, a)
}

func (e *Engine) key(periodKey, scope string) string {
	return periodKey + "|" + scope
}

// transitioned reports whether st differs from the last status seen for its
// scope in the period. A first sighting is a transition. Caller holds e.mu.
func (e *Engine) transitioned(periodKey string, st models.ScopeStatus) bool {
	prev, ok := e.lastSeen[e.key(periodKey, st.Scope)]
	return !ok || prev != st.Status
}

func sortedKeys(m map[string]models.FeatureConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// prune drops statuses from earlier periods. Caller holds e.mu.
func (e *Engine) prune(periodKey string) {
	prefix := periodKey + "|"
	for k := range e.lastSeen {
		if !strings.HasPrefix(k, prefix) {
			delete(e.lastSeen, k)
		}
	}
}
