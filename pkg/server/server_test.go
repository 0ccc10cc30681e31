package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/admission"
	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/forecast"
	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/metrics"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/savings"
	"github.com/pario-ai/spendgate/pkg/store"
)

var now = time.Date(2026, 10, 10, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	srv    *Server
	store  *store.SQLStore
	ledger *ledger.MemoryLedger
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New("sqlite", filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	g := models.DefaultGlobalSettings()
	g.MonthlyBudget = d("1000")
	g.RateLimitPerUserHour = 2
	if err := st.PutGlobal(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := st.PutFeature(ctx, models.FeatureConfig{FeatureKey: "summarize", DisplayName: "Summarize", IsEnabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutBudget(ctx, models.FeatureBudget{
		FeatureKey: "summarize", MonthlyBudget: d("5"), AlertThresholdPercent: d("80"), ActionOnOverage: models.ActionDisable,
	}); err != nil {
		t.Fatal(err)
	}

	l := ledger.NewMemory()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := func() time.Time { return now }

	srv := New(":0", Deps{
		Store:      st,
		Ledger:     l,
		Admission:  admission.New(st, l, admission.NewMemoryCounter(), admission.StaticTiers{}, admission.Options{Now: clock, Metrics: m}),
		Engine:     budget.New(st, l, budget.Options{Metrics: m}),
		Forecaster: forecast.NewForecaster(l, st, time.UTC),
		Savings:    savings.NewAccountant(l, st),
		Metrics:    m,
		Gatherer:   reg,
		Now:        clock,
	})
	return &testEnv{srv: srv, store: st, ledger: l}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestAdmissionCheck(t *testing.T) {
	env := setupServer(t)

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, "/v1/admission/check", `{"user_id":"alice","feature_key":"summarize"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp admissionResponse
		decode(t, w, &resp)
		if !resp.Allowed {
			t.Fatalf("call %d denied: %+v", i+1, resp)
		}
	}

	w := env.do(t, http.MethodPost, "/v1/admission/check", `{"user_id":"alice","feature_key":"summarize"}`)
	var resp admissionResponse
	decode(t, w, &resp)
	if w.Code != http.StatusOK || resp.Allowed || resp.Reason != models.ReasonHourlyLimitExceeded {
		t.Errorf("expected hourly denial with 200, got %d %+v", w.Code, resp)
	}
	if resp.Message == "" || resp.RetryAt.IsZero() {
		t.Errorf("expected message and retry time, got %+v", resp)
	}

	w = env.do(t, http.MethodPost, "/v1/admission/check", `{"user_id":"alice","feature_key":"nope"}`)
	decode(t, w, &resp)
	if resp.Reason != models.ReasonFeatureDisabled {
		t.Errorf("expected feature_disabled, got %+v", resp)
	}

	w = env.do(t, http.MethodPost, "/v1/admission/check", `{"user_id":"alice"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing feature, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/v1/admission/usage?user_id=alice", "")
	var u admission.Usage
	decode(t, w, &u)
	if u.Counts.Hourly != 3 || u.HourlyLimit != 2 {
		t.Errorf("unexpected usage %+v", u)
	}
}

func TestUsageIngestAndReports(t *testing.T) {
	env := setupServer(t)

	events := []string{
		`{"feature_key":"summarize","user_id":"alice","model_id":"gpt-4o","input_tokens":1000,"output_tokens":200,"cache_read_tokens":800,"cost_actual":"0.012","cost_without_cache":"0.030","success":true,"timestamp":"2026-10-09T10:00:00Z"}`,
		`{"feature_key":"summarize","user_id":"bob","model_id":"gpt-4o","input_tokens":1000,"output_tokens":200,"cost_actual":"0.03","cost_without_cache":"0.03","success":true,"timestamp":"2026-10-09T11:00:00Z"}`,
		`{"feature_key":"translate","user_id":"alice","model_id":"gpt-4o-mini","cost_actual":"0.5","cost_without_cache":"0.5","success":false,"timestamp":"2026-10-09T12:00:00Z"}`,
	}
	for _, body := range events {
		w := env.do(t, http.MethodPost, "/v1/usage/events", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := env.do(t, http.MethodPost, "/v1/usage/events", `{"feature_key":"x","user_id":"a","cost_actual":"2","cost_without_cache":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid event, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/v1/usage/aggregate?user=alice", "")
	var agg aggregateResponse
	decode(t, w, &agg)
	if agg.Requests != 2 || agg.Cost != "0.51" || agg.Period != "2026-10" || agg.FailureCount != 1 {
		t.Errorf("unexpected aggregate %+v", agg)
	}

	w = env.do(t, http.MethodGet, "/v1/usage/top?by=user&order=requests&limit=1", "")
	var top topResponse
	decode(t, w, &top)
	if len(top.Entries) != 1 || top.Entries[0].Key != "alice" {
		t.Errorf("unexpected top %+v", top)
	}

	if w := env.do(t, http.MethodGet, "/v1/usage/top?by=model", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown dimension, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/v1/usage/aggregate?period=October", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad period, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/v1/cache/savings?by_feature=true", "")
	var sav savingsResponse
	decode(t, w, &sav)
	if sav.Requests != 2 || sav.CacheHitRequests != 1 || sav.TotalSavings != "0.02" || len(sav.ByFeature) != 1 {
		t.Errorf("unexpected savings %+v", sav)
	}
}

func TestBudgetEndpoints(t *testing.T) {
	env := setupServer(t)
	err := env.ledger.Append(context.Background(), models.UsageEvent{
		Timestamp: now.Add(-time.Hour), FeatureKey: "summarize", UserID: "alice",
		CostActual: d("5.01"), CostWithoutCache: d("5.01"), Success: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/v1/budget/status", "")
	var status budgetResponse
	decode(t, w, &status)
	if len(status.Features) != 1 || status.Features[0].Status != models.StatusExceeded || len(status.Commands) != 0 {
		t.Errorf("unexpected status %+v", status)
	}

	w = env.do(t, http.MethodPost, "/v1/budget/evaluate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ev budgetResponse
	decode(t, w, &ev)
	if len(ev.Commands) != 1 || ev.Commands[0].Kind != models.CommandDisable {
		t.Errorf("expected disable command, got %+v", ev.Commands)
	}

	w = env.do(t, http.MethodGet, "/v1/features/summarize", "")
	var f models.FeatureConfig
	decode(t, w, &f)
	if !f.BudgetDisabled("2026-10") {
		t.Errorf("expected budget-disabled feature, got %+v", f)
	}

	w = env.do(t, http.MethodGet, "/v1/forecast", "")
	var fc models.ForecastResult
	decode(t, w, &fc)
	if fc.DaysPassed != 10 || len(fc.Warnings) == 0 || fc.Warnings[0].Scope != "summarize" {
		t.Errorf("unexpected forecast %+v", fc)
	}
}

func TestAdminWrites(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPut, "/v1/budgets/summarize", `{"monthly_budget":"20","alert_threshold_percent":"150","action_on_overage":"warn"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for threshold over 100, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPut, "/v1/budgets/summarize", `{"monthly_budget":"20","alert_threshold_percent":"75","action_on_overage":"throttle"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	b, err := env.store.Budget(context.Background(), "summarize")
	if err != nil {
		t.Fatal(err)
	}
	if b.ActionOnOverage != models.ActionThrottle || !b.MonthlyBudget.Equal(d("20")) {
		t.Errorf("budget not stored: %+v", b)
	}

	w = env.do(t, http.MethodPut, "/v1/features/translate", `{"display_name":"Translate","is_enabled":true,"min_subscription_tier":"premium"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodGet, "/v1/features/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodPut, "/v1/global", `{"ai_enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	g, _ := env.store.Global(context.Background())
	if g.AIEnabled || !g.CachingEnabled {
		t.Errorf("expected AI off and caching defaulted on, got %+v", g)
	}
}

func TestUnavailableMapsTo503(t *testing.T) {
	env := setupServer(t)
	env.ledger.SetFailure(errors.New("disk full"))

	if w := env.do(t, http.MethodGet, "/v1/usage/aggregate", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/v1/admission/check", `{"user_id":"alice","feature_key":"summarize"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("admission must fail closed with 503, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected unhealthy, got %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupServer(t)
	if w := env.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("expected healthy, got %d: %s", w.Code, w.Body.String())
	}
	env.do(t, http.MethodPost, "/v1/admission/check", `{"user_id":"alice","feature_key":"summarize"}`)

	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "spendgate_admission_decisions_total") {
		t.Errorf("expected admission metrics, got %d:\n%s", w.Code, w.Body.String())
	}
}
