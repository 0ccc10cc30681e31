package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/report"
)

type admissionRequest struct {
	UserID     string `json:"user_id"`
	FeatureKey string `json:"feature_key"`
}

type admissionResponse struct {
	models.Decision
	Message string `json:"message"`
}

func (s *Server) handleAdmissionCheck(w http.ResponseWriter, r *http.Request) {
	var req admissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.FeatureKey == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id and feature_key are required")
		return
	}
	d, err := s.deps.Admission.CheckAndReserve(r.Context(), req.UserID, req.FeatureKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, admissionResponse{Decision: d, Message: d.Reason.Message()})
}

func (s *Server) handleAdmissionUsage(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	u, err := s.deps.Admission.Usage(r.Context(), user, s.deps.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var e models.UsageEvent
	if !decodeBody(w, r, &e) {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.deps.Now()
	}
	if err := s.deps.Ledger.Append(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Metrics.RecordUsage(e)
	writeJSON(w, http.StatusCreated, map[string]string{"id": e.ID})
}

func (s *Server) period(w http.ResponseWriter, r *http.Request) (models.Period, bool) {
	p, err := models.ParseMonth(r.URL.Query().Get("period"), s.deps.Now(), s.deps.Location)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return models.Period{}, false
	}
	return p, true
}

type aggregateResponse struct {
	Period string `json:"period"`
	report.AggregateView
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.period(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := models.UsageQuery{
		FeatureKey:  q.Get("feature"),
		UserID:      q.Get("user"),
		Period:      p,
		SuccessOnly: q.Get("success_only") == "true",
	}
	a, err := s.deps.Ledger.Aggregate(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{Period: p.Key(), AggregateView: report.NewAggregateView("", a)})
}

type topResponse struct {
	Period  string                 `json:"period"`
	By      models.Dimension       `json:"by"`
	Order   models.RankBy          `json:"order"`
	Entries []report.AggregateView `json:"entries"`
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	p, ok := s.period(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	dim, err := models.ParseDimension(orDefault(q.Get("by"), string(models.DimensionFeature)))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := models.ParseRankBy(orDefault(q.Get("order"), string(models.RankByCost)))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	entries, err := s.deps.Ledger.TopN(r.Context(), dim, p, limit, order)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topResponse{Period: p.Key(), By: dim, Order: order, Entries: report.NewRankViews(entries)})
}

type savingsResponse struct {
	Period           string          `json:"period"`
	FeatureKey       string          `json:"feature_key,omitempty"`
	CachingEnabled   bool            `json:"caching_enabled"`
	Requests         int64           `json:"requests"`
	CacheHitRequests int64           `json:"cache_hit_requests"`
	HitRate          string          `json:"hit_rate"`
	CostActual       string          `json:"cost_actual"`
	CostWithoutCache string          `json:"cost_without_cache"`
	TotalSavings     string          `json:"total_savings"`
	SavingsPercent   string          `json:"savings_percent"`
	ByFeature        []featureSaving `json:"by_feature,omitempty"`
}

type featureSaving struct {
	FeatureKey       string `json:"feature_key"`
	Requests         int64  `json:"requests"`
	CacheHitRequests int64  `json:"cache_hit_requests"`
	HitRate          string `json:"hit_rate"`
	TotalSavings     string `json:"total_savings"`
}

func (s *Server) handleSavings(w http.ResponseWriter, r *http.Request) {
	p, ok := s.period(w, r)
	if !ok {
		return
	}
	feature := r.URL.Query().Get("feature")
	rep, err := s.deps.Savings.Report(r.Context(), p, feature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := savingsResponse{
		Period:           p.Key(),
		FeatureKey:       rep.FeatureKey,
		CachingEnabled:   rep.CachingEnabled,
		Requests:         rep.Requests,
		CacheHitRequests: rep.CacheHitRequests,
		HitRate:          rep.HitRate.StringFixed(4),
		CostActual:       models.RoundTotal(rep.CostActual).StringFixed(2),
		CostWithoutCache: models.RoundTotal(rep.CostWithoutCache).StringFixed(2),
		TotalSavings:     models.RoundTotal(rep.TotalSavings).StringFixed(2),
		SavingsPercent:   rep.SavingsPercent.StringFixed(2),
	}
	if feature == "" && r.URL.Query().Get("by_feature") == "true" {
		rows, err := s.deps.Savings.ByFeature(r.Context(), p)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, f := range rows {
			resp.ByFeature = append(resp.ByFeature, featureSaving{
				FeatureKey:       f.FeatureKey,
				Requests:         f.Requests,
				CacheHitRequests: f.CacheHitRequests,
				HitRate:          f.HitRate.StringFixed(4),
				TotalSavings:     models.RoundTotal(f.TotalSavings).StringFixed(2),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type scopeView struct {
	Scope                 string               `json:"scope"`
	Spend                 string               `json:"spend"`
	Budget                string               `json:"budget"`
	UsagePercent          string               `json:"usage_percent"`
	AlertThresholdPercent string               `json:"alert_threshold_percent"`
	Status                models.BudgetStatus  `json:"status"`
	Action                models.OverageAction `json:"action"`
}

type budgetResponse struct {
	Period   string                 `json:"period"`
	Global   scopeView              `json:"global"`
	Features []scopeView            `json:"features"`
	Alerts   []models.BudgetAlert   `json:"alerts,omitempty"`
	Commands []models.BudgetCommand `json:"commands,omitempty"`
}

func newScopeView(st models.ScopeStatus) scopeView {
	return scopeView{
		Scope:                 st.Scope,
		Spend:                 models.RoundTotal(st.Spend).StringFixed(2),
		Budget:                models.RoundTotal(st.Budget).StringFixed(2),
		UsagePercent:          st.UsagePercent.StringFixed(2),
		AlertThresholdPercent: st.AlertThresholdPercent.StringFixed(2),
		Status:                st.Status,
		Action:                st.Action,
	}
}

func newBudgetResponse(ev *budget.Evaluation) budgetResponse {
	resp := budgetResponse{
		Period:   ev.Period.Key(),
		Global:   newScopeView(ev.Global),
		Features: make([]scopeView, 0, len(ev.Features)),
		Alerts:   ev.Alerts,
		Commands: ev.Commands,
	}
	for _, st := range ev.Features {
		resp.Features = append(resp.Features, newScopeView(st))
	}
	return resp
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Engine.Status(r.Context(), s.deps.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBudgetResponse(ev))
}

func (s *Server) handleBudgetEvaluate(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Engine.Evaluate(r.Context(), s.deps.Now())
	if ev == nil {
		s.writeError(w, r, err)
		return
	}
	resp := newBudgetResponse(ev)
	if err != nil {
		// Some commands failed; they are retried on the next evaluation.
		s.logger.Warn("budget evaluation incomplete", "error", err)
		writeJSON(w, http.StatusMultiStatus, struct {
			budgetResponse
			Error string `json:"error"`
		}{resp, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Forecaster.Forecast(r.Context(), s.deps.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report.RoundForecast(res))
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	fs, err := s.deps.Store.Features(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	f, err := s.deps.Store.Feature(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handlePutFeature(w http.ResponseWriter, r *http.Request) {
	var f models.FeatureConfig
	if !decodeBody(w, r, &f) {
		return
	}
	f.FeatureKey = r.PathValue("key")
	if err := s.deps.Store.PutFeature(r.Context(), f); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetFeature(w, r)
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	bs, err := s.deps.Store.Budgets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Store.Budget(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePutBudget(w http.ResponseWriter, r *http.Request) {
	var b models.FeatureBudget
	if !decodeBody(w, r, &b) {
		return
	}
	b.FeatureKey = r.PathValue("key")
	if err := s.deps.Store.PutBudget(r.Context(), b); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetGlobal(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Store.Global(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handlePutGlobal(w http.ResponseWriter, r *http.Request) {
	g := models.DefaultGlobalSettings()
	if !decodeBody(w, r, &g) {
		return
	}
	if err := s.deps.Store.PutGlobal(r.Context(), g); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]Pinger{
		"ledger": s.deps.Ledger,
		"store":  s.deps.Store,
	}
	for name, p := range s.deps.Checks {
		checks[name] = p
	}
	status := http.StatusOK
	result := make(map[string]string, len(checks))
	for name, p := range checks {
		if err := p.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, status, result)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
