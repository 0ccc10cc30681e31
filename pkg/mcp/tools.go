package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/report"
	"github.com/pario-ai/spendgate/pkg/store"
)

// Tool argument structs.

type usageArgs struct {
	Period      string `json:"period"`
	Feature     string `json:"feature"`
	User        string `json:"user"`
	SuccessOnly bool   `json:"success_only"`
}

type topArgs struct {
	Period string `json:"period"`
	By     string `json:"by"`
	Order  string `json:"order"`
	Limit  *int   `json:"limit"`
}

type savingsArgs struct {
	Period  string `json:"period"`
	Feature string `json:"feature"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"spendgate_usage":         handleUsage,
	"spendgate_top":           handleTop,
	"spendgate_cache_savings": handleCacheSavings,
	"spendgate_budget":        handleBudget,
	"spendgate_forecast":      handleForecast,
	"spendgate_features":      handleFeatures,
}

var periodProperty = map[string]any{
	"type":        "string",
	"description": "Calendar month as YYYY-MM (optional, defaults to the current month)",
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "spendgate_usage",
		Description: "Show AI usage totals (requests, tokens, cost) for a month, optionally filtered by feature and user.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": periodProperty,
				"feature": map[string]any{
					"type":        "string",
					"description": "Filter by feature key (optional)",
				},
				"user": map[string]any{
					"type":        "string",
					"description": "Filter by user ID (optional)",
				},
				"success_only": map[string]any{
					"type":        "boolean",
					"description": "Only count successful calls (optional)",
				},
			},
		},
	},
	{
		Name:        "spendgate_top",
		Description: "Rank features or users by cost or request count for a month.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": periodProperty,
				"by": map[string]any{
					"type":        "string",
					"enum":        []string{"feature", "user"},
					"description": "Grouping dimension (default feature)",
				},
				"order": map[string]any{
					"type":        "string",
					"enum":        []string{"cost", "requests"},
					"description": "Ranking metric (default cost)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows, 0 for all (default 10)",
				},
			},
		},
	},
	{
		Name:        "spendgate_cache_savings",
		Description: "Show prompt-cache hit rate and the money it saved for a month.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": periodProperty,
				"feature": map[string]any{
					"type":        "string",
					"description": "Restrict to one feature (optional; omit for a per-feature breakdown)",
				},
			},
		},
	},
	{
		Name:        "spendgate_budget",
		Description: "Show current-month spend against the global and per-feature budgets.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "spendgate_forecast",
		Description: "Project end-of-month spend from the run rate so far and flag budgets at risk.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "spendgate_features",
		Description: "List configured AI features with their enablement and budget overrides.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

// failure describes err for the model, distinguishing outages from bad input.
func failure(what string, err error) ToolCallResult {
	if errors.Is(err, ledger.ErrDataUnavailable) || errors.Is(err, store.ErrDataUnavailable) {
		return errorResult("Data unavailable while fetching " + what + ": " + err.Error())
	}
	return errorResult("Error fetching " + what + ": " + err.Error())
}

func parseArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *Server) period(arg string) (models.Period, error) {
	return models.ParseMonth(arg, s.deps.Now(), s.deps.Location)
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args usageArgs
	if err := parseArgs(rawArgs, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	p, err := s.period(args.Period)
	if err != nil {
		return errorResult(err.Error())
	}
	a, err := s.deps.Ledger.Aggregate(ctx, models.UsageQuery{
		FeatureKey: args.Feature, UserID: args.User, Period: p, SuccessOnly: args.SuccessOnly,
	})
	if err != nil {
		return failure("usage", err)
	}
	return textResult(render(func(w *textBuffer) error { return report.WriteAggregate(w, p, a) }))
}

func handleTop(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	args := topArgs{By: string(models.DimensionFeature), Order: string(models.RankByCost)}
	if err := parseArgs(rawArgs, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	p, err := s.period(args.Period)
	if err != nil {
		return errorResult(err.Error())
	}
	dim, err := models.ParseDimension(args.By)
	if err != nil {
		return errorResult(err.Error())
	}
	order, err := models.ParseRankBy(args.Order)
	if err != nil {
		return errorResult(err.Error())
	}
	limit := 10
	if args.Limit != nil {
		limit = *args.Limit
	}
	entries, err := s.deps.Ledger.TopN(ctx, dim, p, limit, order)
	if err != nil {
		return failure("ranking", err)
	}
	return textResult(render(func(w *textBuffer) error { return report.WriteTop(w, dim, entries) }))
}

func handleCacheSavings(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Savings == nil {
		return textResult("Cache savings reporting is not configured.")
	}
	var args savingsArgs
	if err := parseArgs(rawArgs, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	p, err := s.period(args.Period)
	if err != nil {
		return errorResult(err.Error())
	}
	rep, err := s.deps.Savings.Report(ctx, p, args.Feature)
	if err != nil {
		return failure("cache savings", err)
	}
	var rows []models.FeatureSavings
	if args.Feature == "" {
		if rows, err = s.deps.Savings.ByFeature(ctx, p); err != nil {
			return failure("cache savings", err)
		}
	}
	return textResult(render(func(w *textBuffer) error { return report.WriteSavings(w, rep, rows) }))
}

func handleBudget(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Engine == nil {
		return textResult("Budget evaluation is not configured.")
	}
	ev, err := s.deps.Engine.Status(ctx, s.deps.Now())
	if err != nil {
		return failure("budget status", err)
	}
	return textResult(render(func(w *textBuffer) error { return report.WriteBudget(w, ev) }))
}

func handleForecast(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Forecaster == nil {
		return textResult("Forecasting is not configured.")
	}
	res, err := s.deps.Forecaster.Forecast(ctx, s.deps.Now())
	if err != nil {
		return failure("forecast", err)
	}
	return textResult(render(func(w *textBuffer) error { return report.WriteForecast(w, res) }))
}

func handleFeatures(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Store == nil {
		return textResult("Feature listing is not configured.")
	}
	fs, err := s.deps.Store.Features(ctx)
	if err != nil {
		return failure("features", err)
	}
	return textResult(formatFeatures(fs, s.deps.Now().In(s.deps.Location)))
}
