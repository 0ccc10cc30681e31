package savings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/models"
)

var october = models.MonthOf(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func hit(feature string, i int) models.UsageEvent {
	return models.UsageEvent{
		Timestamp: october.Start.Add(time.Duration(i) * time.Minute), FeatureKey: feature, UserID: "u1",
		InputTokens: 2000, CacheReadTokens: 1500,
		CostActual: d("0.012"), CostWithoutCache: d("0.030"), Success: true,
	}
}

type fakeSettings struct {
	g   models.GlobalBudgetSettings
	err error
}

func (f fakeSettings) Global(context.Context) (models.GlobalBudgetSettings, error) { return f.g, f.err }

func TestSavingsPerEvent(t *testing.T) {
	e := hit("summarize", 0)
	if got := Savings(e); !got.Equal(d("0.018")) {
		t.Errorf("expected 0.018, got %s", got)
	}

	e.Success = false
	if got := Savings(e); !got.IsZero() {
		t.Errorf("failed event should save nothing, got %s", got)
	}

	neg := hit("summarize", 0)
	neg.CostWithoutCache = d("0.001")
	if got := Savings(neg); !got.IsZero() {
		t.Errorf("savings must never be negative, got %s", got)
	}
}

func TestHitRate(t *testing.T) {
	cases := []struct {
		hits, reqs int64
		want       string
	}{
		{0, 0, "0"},
		{0, 10, "0"},
		{5, 10, "0.5"},
		{10, 10, "1"},
		{12, 10, "1"},
	}
	for _, c := range cases {
		got := HitRate(c.hits, c.reqs)
		if !got.Equal(d(c.want)) {
			t.Errorf("HitRate(%d, %d) = %s, want %s", c.hits, c.reqs, got, c.want)
		}
	}
}

func TestSummarizeHundredHits(t *testing.T) {
	var events []models.UsageEvent
	for i := range 100 {
		events = append(events, hit("summarize", i))
	}
	s := Summarize(events)
	if !s.TotalSavings.Equal(d("1.80")) {
		t.Errorf("expected savings 1.80, got %s", s.TotalSavings)
	}
	if !s.HitRate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected hit rate 1, got %s", s.HitRate)
	}
	if !s.SavingsPercent.Equal(d("60")) {
		t.Errorf("expected 60%% savings, got %s", s.SavingsPercent)
	}
}

func TestSummarizeSkipsFailures(t *testing.T) {
	failed := hit("summarize", 1)
	failed.Success = false
	s := Summarize([]models.UsageEvent{hit("summarize", 0), failed})
	if s.Requests != 1 || s.CacheHitRequests != 1 {
		t.Errorf("expected 1/1 requests/hits, got %d/%d", s.Requests, s.CacheHitRequests)
	}
}

func TestAccountantReport(t *testing.T) {
	l := ledger.NewMemory()
	ctx := context.Background()
	for i := range 4 {
		_ = l.Append(ctx, hit("summarize", i))
	}
	miss := hit("translate", 10)
	miss.CacheReadTokens = 0
	miss.CostWithoutCache = miss.CostActual
	_ = l.Append(ctx, miss)

	acc := NewAccountant(l, fakeSettings{g: models.GlobalBudgetSettings{CachingEnabled: false}})
	rep, err := acc.Report(ctx, october, "")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Requests != 5 || rep.CacheHitRequests != 4 {
		t.Errorf("expected 5 requests, 4 hits, got %d/%d", rep.Requests, rep.CacheHitRequests)
	}
	if !rep.HitRate.Equal(d("0.8")) {
		t.Errorf("expected hit rate 0.8, got %s", rep.HitRate)
	}
	if rep.CachingEnabled {
		t.Error("expected caching flagged as disabled")
	}
	if !rep.TotalSavings.Equal(d("0.072")) {
		t.Errorf("historic savings should still be reported, got %s", rep.TotalSavings)
	}

	rows, err := acc.ByFeature(ctx, october)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].FeatureKey != "summarize" || rows[1].FeatureKey != "translate" {
		t.Fatalf("unexpected breakdown: %+v", rows)
	}
	if !rows[1].TotalSavings.IsZero() {
		t.Errorf("expected zero savings for translate, got %s", rows[1].TotalSavings)
	}
}

func TestAccountantUnavailable(t *testing.T) {
	l := ledger.NewMemory()
	l.SetFailure(errors.New("boom"))
	_, err := NewAccountant(l, nil).Report(context.Background(), october, "")
	if !errors.Is(err, ledger.ErrDataUnavailable) {
		t.Errorf("expected ErrDataUnavailable, got %v", err)
	}
}
