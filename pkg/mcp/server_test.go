package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/forecast"
	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/savings"
	"github.com/pario-ai/spendgate/pkg/store"
)

var now = time.Date(2026, 10, 10, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setupServer(t *testing.T) (*Server, *ledger.MemoryLedger) {
	t.Helper()
	st, err := store.New("sqlite", filepath.Join(t.TempDir(), "mcp.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	g := models.DefaultGlobalSettings()
	g.MonthlyBudget = d("100")
	if err := st.PutGlobal(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := st.PutFeature(ctx, models.FeatureConfig{FeatureKey: "summarize", DisplayName: "Summarize", IsEnabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutFeature(ctx, models.FeatureConfig{FeatureKey: "translate", DisplayName: "Translate"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutBudget(ctx, models.FeatureBudget{
		FeatureKey: "summarize", MonthlyBudget: d("5"), AlertThresholdPercent: d("80"), ActionOnOverage: models.ActionWarn,
	}); err != nil {
		t.Fatal(err)
	}

	l := ledger.NewMemory()
	for _, e := range []models.UsageEvent{
		{Timestamp: now.Add(-time.Hour), FeatureKey: "summarize", UserID: "alice", InputTokens: 1200, OutputTokens: 300,
			CostActual: d("3"), CostWithoutCache: d("3"), Success: true},
		{Timestamp: now.Add(-2 * time.Hour), FeatureKey: "summarize", UserID: "bob", InputTokens: 800, CacheReadTokens: 600,
			CostActual: d("1"), CostWithoutCache: d("2"), Success: true},
		{Timestamp: now.Add(-3 * time.Hour), FeatureKey: "translate", UserID: "alice", CostActual: d("0.5"), CostWithoutCache: d("0.5")},
	} {
		if err := l.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	srv := New(Deps{
		Ledger:     l,
		Store:      st,
		Engine:     budget.New(st, l, budget.Options{}),
		Forecaster: forecast.NewForecaster(l, st, time.UTC),
		Savings:    savings.NewAccountant(l, st),
		Now:        func() time.Time { return now },
	}, "test")
	return srv, l
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params := `{"name":"` + name + `"`
	if args != "" {
		params += `,"arguments":` + args
	}
	params += "}"
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  json.RawMessage(params),
	})
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var res ToolCallResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(res.Content))
	}
	return res
}

func TestInitialize(t *testing.T) {
	srv, _ := setupServer(t)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if result.ServerInfo.Name != "spendgate" {
		t.Errorf("expected server name spendgate, got %s", result.ServerInfo.Name)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("expected protocol %s, got %s", ProtocolVersion, result.ProtocolVersion)
	}
}

func TestToolsList(t *testing.T) {
	srv, _ := setupServer(t)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != len(toolHandlers) {
		t.Fatalf("listed %d tools, %d handlers", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallUsage(t *testing.T) {
	srv, _ := setupServer(t)

	res := callTool(t, srv, "spendgate_usage", "")
	text := res.Content[0].Text
	for _, want := range []string{"2026-10", "€4.50", "2,000 in"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in:\n%s", want, text)
		}
	}

	res = callTool(t, srv, "spendgate_usage", `{"feature":"translate","success_only":true}`)
	if !strings.Contains(res.Content[0].Text, "No usage recorded") {
		t.Errorf("expected empty result, got:\n%s", res.Content[0].Text)
	}

	res = callTool(t, srv, "spendgate_usage", `{"period":"October"}`)
	if !res.IsError {
		t.Error("expected error for malformed period")
	}
}

func TestToolCallTop(t *testing.T) {
	srv, _ := setupServer(t)

	res := callTool(t, srv, "spendgate_top", `{"by":"user","limit":1}`)
	text := res.Content[0].Text
	if !strings.Contains(text, "alice") || strings.Contains(text, "bob") {
		t.Errorf("expected only alice ranked first:\n%s", text)
	}

	res = callTool(t, srv, "spendgate_top", `{"by":"model"}`)
	if !res.IsError {
		t.Error("expected error for unknown dimension")
	}
}

func TestToolCallCacheSavings(t *testing.T) {
	srv, _ := setupServer(t)

	res := callTool(t, srv, "spendgate_cache_savings", "")
	text := res.Content[0].Text
	if !strings.Contains(text, "SAVED") || !strings.Contains(text, "€1.00") {
		t.Errorf("expected €1.00 saved:\n%s", text)
	}
	// Failed calls are excluded, so translate has no row.
	if !strings.Contains(text, "summarize") || strings.Contains(text, "translate") {
		t.Errorf("expected a summarize-only breakdown:\n%s", text)
	}
}

func TestToolCallBudgetAndForecast(t *testing.T) {
	srv, _ := setupServer(t)

	res := callTool(t, srv, "spendgate_budget", "")
	text := res.Content[0].Text
	if !strings.Contains(text, "summarize") || !strings.Contains(text, "€5.00") {
		t.Errorf("expected summarize budget row:\n%s", text)
	}
	// Status must not apply anything.
	if strings.Contains(text, "applied:") {
		t.Errorf("status emitted commands:\n%s", text)
	}

	res = callTool(t, srv, "spendgate_forecast", "")
	text = res.Content[0].Text
	if !strings.Contains(text, "day 10 of 31") || !strings.Contains(text, "PROJECTED") {
		t.Errorf("unexpected forecast:\n%s", text)
	}
}

func TestToolCallFeatures(t *testing.T) {
	srv, _ := setupServer(t)
	text := callTool(t, srv, "spendgate_features", "").Content[0].Text
	if !strings.Contains(text, "summarize") || !strings.Contains(text, "disabled") {
		t.Errorf("expected both features with states:\n%s", text)
	}
}

func TestToolCallNotConfigured(t *testing.T) {
	srv := New(Deps{Ledger: ledger.NewMemory()}, "test")
	for _, name := range []string{"spendgate_budget", "spendgate_forecast", "spendgate_cache_savings", "spendgate_features"} {
		res := callTool(t, srv, name, "")
		if res.IsError || !strings.Contains(res.Content[0].Text, "not") {
			t.Errorf("%s: unexpected result %+v", name, res)
		}
	}
}

func TestToolCallLedgerUnavailable(t *testing.T) {
	srv, l := setupServer(t)
	l.SetFailure(errors.New("disk gone"))

	res := callTool(t, srv, "spendgate_usage", "")
	if !res.IsError || !strings.Contains(res.Content[0].Text, "unavailable") {
		t.Errorf("expected unavailable error, got %+v", res)
	}
}

func TestUnknownTool(t *testing.T) {
	srv, _ := setupServer(t)
	res := callTool(t, srv, "spendgate_sessions", "")
	if !res.IsError {
		t.Error("expected error result for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv, _ := setupServer(t)
	line := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := setupServer(t)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "resources/list",
	})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}
