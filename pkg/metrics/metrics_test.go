package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/models"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordDecision(models.Allow("u", "f"), time.Millisecond)
	m.RecordAlert(models.BudgetAlert{})
	m.RecordCommand(models.BudgetCommand{})
	m.SetBudgetUsage("global", decimal.NewFromInt(50))
	m.RecordEvaluation(nil)
	m.RecordUsage(models.UsageEvent{})
}

func TestRecordDecision(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordDecision(models.Allow("alice", "summarize"), time.Millisecond)
	m.RecordDecision(models.Deny("alice", "summarize", models.ReasonHourlyLimitExceeded), time.Millisecond)
	m.RecordDecision(models.Deny("bob", "summarize", models.ReasonHourlyLimitExceeded), time.Millisecond)

	if got := testutil.ToFloat64(m.admissionDecisions.WithLabelValues("summarize", "allowed", "none")); got != 1 {
		t.Errorf("expected 1 allowed, got %v", got)
	}
	if got := testutil.ToFloat64(m.admissionDecisions.WithLabelValues("summarize", "denied", "hourly_limit_exceeded")); got != 2 {
		t.Errorf("expected 2 denied, got %v", got)
	}
}

func TestBudgetUsageGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetBudgetUsage("summarize", decimal.RequireFromString("85.5"))
	if got := testutil.ToFloat64(m.budgetUsage.WithLabelValues("summarize")); got != 85.5 {
		t.Errorf("expected 85.5, got %v", got)
	}
}
