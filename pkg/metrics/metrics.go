// Package metrics exposes spendgate's prometheus collectors.
//
// All methods are safe on a nil *Metrics, so components can run without
// metrics in tests and CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/models"
)

// Metrics contains the prometheus collectors.
type Metrics struct {
	// Admission
	admissionDecisions *prometheus.CounterVec
	admissionDuration  prometheus.Histogram

	// Budget
	budgetAlerts      *prometheus.CounterVec
	budgetCommands    *prometheus.CounterVec
	budgetUsage       *prometheus.GaugeVec
	budgetEvaluations *prometheus.CounterVec

	// Usage ingestion
	usageEvents *prometheus.CounterVec
	usageCost   *prometheus.CounterVec
}

// New registers the collectors with reg. Use a fresh prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		admissionDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_admission_decisions_total",
				Help: "Total number of admission decisions",
			},
			[]string{"feature", "result", "reason"},
		),
		admissionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spendgate_admission_check_duration_seconds",
				Help:    "Duration of admission checks in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15), // 50µs to ~0.8s
			},
		),
		budgetAlerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_budget_alerts_total",
				Help: "Total number of budget alerts raised",
			},
			[]string{"scope", "status"},
		),
		budgetCommands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_budget_commands_total",
				Help: "Total number of enforcement commands applied",
			},
			[]string{"scope", "kind"},
		),
		budgetUsage: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spendgate_budget_usage_percent",
				Help: "Current period spend as a percentage of budget",
			},
			[]string{"scope"},
		),
		budgetEvaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_budget_evaluations_total",
				Help: "Total number of budget evaluations",
			},
			[]string{"result"},
		),
		usageEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_usage_events_total",
				Help: "Total number of usage events appended",
			},
			[]string{"feature", "success"},
		),
		usageCost: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_usage_cost_euros_total",
				Help: "Total cost of appended usage events in euros",
			},
			[]string{"feature"},
		),
	}
}

// RecordDecision records an admission outcome and its latency.
func (m *Metrics) RecordDecision(d models.Decision, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "allowed"
	reason := "none"
	if !d.Allowed {
		result = "denied"
		reason = string(d.Reason)
	}
	m.admissionDecisions.WithLabelValues(d.FeatureKey, result, reason).Inc()
	m.admissionDuration.Observe(elapsed.Seconds())
}

// RecordAlert counts a budget alert.
func (m *Metrics) RecordAlert(a models.BudgetAlert) {
	if m == nil {
		return
	}
	m.budgetAlerts.WithLabelValues(a.Scope, string(a.Status)).Inc()
}

// RecordCommand counts an applied enforcement command.
func (m *Metrics) RecordCommand(c models.BudgetCommand) {
	if m == nil {
		return
	}
	m.budgetCommands.WithLabelValues(c.FeatureKey, string(c.Kind)).Inc()
}

// SetBudgetUsage publishes a scope's usage percentage.
func (m *Metrics) SetBudgetUsage(scope string, percent decimal.Decimal) {
	if m == nil {
		return
	}
	m.budgetUsage.WithLabelValues(scope).Set(percent.InexactFloat64())
}

// RecordEvaluation counts a budget evaluation run.
func (m *Metrics) RecordEvaluation(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.budgetEvaluations.WithLabelValues(result).Inc()
}

// RecordUsage counts an appended usage event.
func (m *Metrics) RecordUsage(e models.UsageEvent) {
	if m == nil {
		return
	}
	success := "true"
	if !e.Success {
		success = "false"
	}
	m.usageEvents.WithLabelValues(e.FeatureKey, success).Inc()
	m.usageCost.WithLabelValues(e.FeatureKey).Add(e.CostActual.InexactFloat64())
}
