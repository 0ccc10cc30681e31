package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/usage"
)

var october = models.MonthOf(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC))

func newTestLedger(t *testing.T) *SQLLedger {
	t.Helper()
	l, err := New("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func ev(id, feature, user, cost, full string, cacheRead int64, success bool, at time.Time) models.UsageEvent {
	return models.UsageEvent{
		ID: id, Timestamp: at, FeatureKey: feature, UserID: user, ModelID: "claude-sonnet",
		InputTokens: 1000, OutputTokens: 200, CacheReadTokens: cacheRead,
		CostActual:       decimal.RequireFromString(cost),
		CostWithoutCache: decimal.RequireFromString(full),
		Success:          success,
	}
}

func seed(t *testing.T, l Ledger) []models.UsageEvent {
	t.Helper()
	at := october.Start.Add(36 * time.Hour)
	events := []models.UsageEvent{
		ev("e1", "summarize", "alice", "0.0120", "0.0300", 800, true, at),
		ev("e2", "summarize", "bob", "0.0300", "0.0300", 0, true, at.Add(time.Minute)),
		ev("e3", "translate", "alice", "0.5000", "0.5000", 0, false, at.Add(2*time.Minute)),
		ev("e4", "translate", "carol", "0.2500", "0.4000", 100, true, at.Add(3*time.Minute)),
		ev("e5", "classify", "bob", "0.0001", "0.0001", 0, true, at.Add(4*time.Minute)),
		ev("e6", "summarize", "alice", "3.0000", "3.0000", 0, true, october.End),
		ev("e7", "summarize", "alice", "1.0000", "1.0000", 0, true, october.Start.Add(-time.Microsecond)),
	}
	ctx := context.Background()
	for _, e := range events {
		if err := l.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	return events
}

func TestAppendAndEvents(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seed(t, l)

	events, err := l.Events(ctx, models.UsageQuery{Period: october})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events in october, got %d", len(events))
	}
	if events[0].ID != "e1" || events[4].ID != "e5" {
		t.Errorf("expected time order e1..e5, got %s..%s", events[0].ID, events[4].ID)
	}
	if !events[0].CostActual.Equal(decimal.RequireFromString("0.012")) {
		t.Errorf("expected cost 0.012, got %s", events[0].CostActual)
	}
	if events[2].Success {
		t.Error("expected e3 to be a failure")
	}
}

func TestAppendIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	e := ev("dup", "summarize", "alice", "0.10", "0.10", 0, true, october.Start.Add(time.Hour))

	for range 3 {
		if err := l.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	agg, err := l.Aggregate(ctx, models.UsageQuery{Period: october})
	if err != nil {
		t.Fatal(err)
	}
	if agg.Requests != 1 {
		t.Errorf("expected 1 request after duplicate appends, got %d", agg.Requests)
	}
}

func TestAppendAssignsID(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	e := ev("", "summarize", "alice", "0.10", "0.10", 0, true, october.Start.Add(time.Hour))

	_ = l.Append(ctx, e)
	_ = l.Append(ctx, e)

	events, err := l.Events(ctx, models.UsageQuery{Period: october})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 distinct events, got %d", len(events))
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Errorf("expected distinct generated IDs, got %q and %q", events[0].ID, events[1].ID)
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	l := newTestLedger(t)
	e := ev("bad", "summarize", "alice", "0.50", "0.10", 0, true, october.Start)
	err := l.Append(context.Background(), e)
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestAggregateEmpty(t *testing.T) {
	l := newTestLedger(t)
	agg, err := l.Aggregate(context.Background(), models.UsageQuery{Period: october, FeatureKey: "nothing"})
	if err != nil {
		t.Fatal(err)
	}
	if agg.Requests != 0 || !agg.Cost.IsZero() {
		t.Errorf("expected zero aggregate, got %+v", agg)
	}
}

func TestAggregateMatchesSummarize(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	events := seed(t, l)

	queries := []models.UsageQuery{
		{Period: october},
		{Period: october, FeatureKey: "summarize"},
		{Period: october, UserID: "alice"},
		{Period: october, SuccessOnly: true},
		{Period: october, FeatureKey: "translate", UserID: "carol", SuccessOnly: true},
		{Period: models.MonthOf(october.End)},
	}
	for i, q := range queries {
		t.Run(fmt.Sprintf("query%d", i), func(t *testing.T) {
			got, err := l.Aggregate(ctx, q)
			if err != nil {
				t.Fatal(err)
			}
			want := usage.Summarize(events, q)
			if !got.Cost.Equal(want.Cost) || !got.CostWithoutCache.Equal(want.CostWithoutCache) {
				t.Errorf("cost: got %s/%s, want %s/%s", got.Cost, got.CostWithoutCache, want.Cost, want.CostWithoutCache)
			}
			if got.Requests != want.Requests || got.CacheHitRequests != want.CacheHitRequests ||
				got.SuccessCount != want.SuccessCount || got.FailureCount != want.FailureCount ||
				got.InputTokens != want.InputTokens || got.OutputTokens != want.OutputTokens {
				t.Errorf("counts: got %+v, want %+v", got, want)
			}
		})
	}
}

func TestTopN(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	events := seed(t, l)

	for _, by := range []models.RankBy{models.RankByCost, models.RankByRequests} {
		for _, dim := range []models.Dimension{models.DimensionFeature, models.DimensionUser} {
			got, err := l.TopN(ctx, dim, october, 0, by)
			if err != nil {
				t.Fatal(err)
			}
			want := usage.Rank(events, dim, october, 0, by)
			if len(got) != len(want) {
				t.Fatalf("%s/%s: expected %d entries, got %d", dim, by, len(want), len(got))
			}
			for i := range want {
				if got[i].Key != want[i].Key || !got[i].Cost.Equal(want[i].Cost) || got[i].Requests != want[i].Requests {
					t.Errorf("%s/%s entry %d: got %s %s/%d, want %s %s/%d", dim, by, i,
						got[i].Key, got[i].Cost, got[i].Requests, want[i].Key, want[i].Cost, want[i].Requests)
				}
			}
		}
	}

	limited, err := l.TopN(ctx, models.DimensionFeature, october, 1, models.RankByCost)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Key != "translate" {
		t.Errorf("expected translate on top, got %+v", limited)
	}
}

func TestTopNUnknownDimension(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.TopN(context.Background(), "model", october, 5, models.RankByCost); err == nil {
		t.Error("expected error for unknown dimension")
	}
}

func TestClosedLedgerUnavailable(t *testing.T) {
	l := newTestLedger(t)
	_ = l.Close()

	_, err := l.Aggregate(context.Background(), models.UsageQuery{Period: october})
	if !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("expected ErrDataUnavailable, got %v", err)
	}
	if err := l.Ping(context.Background()); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("expected ping ErrDataUnavailable, got %v", err)
	}
}
