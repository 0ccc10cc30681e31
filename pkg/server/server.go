// Package server exposes spendgate over HTTP: admission checks and usage
// ingestion for AI call executors, reports for dashboards, and health and
// metrics endpoints for operators.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/spendgate/pkg/admission"
	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/forecast"
	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/metrics"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/savings"
	"github.com/pario-ai/spendgate/pkg/store"
)

// Pinger is implemented by dependencies that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server routes to. Gatherer and Metrics may be nil.
type Deps struct {
	Store      store.Store
	Ledger     ledger.Ledger
	Admission  *admission.Controller
	Engine     *budget.Engine
	Forecaster *forecast.Forecaster
	Savings    *savings.Accountant
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	// Extra health checks, e.g. the redis counter.
	Checks   map[string]Pinger
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server is the spendgate HTTP API.
type Server struct {
	listen string
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Server with all routes registered.
func New(listen string, deps Deps) *Server {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		listen: listen,
		deps:   deps,
		logger: logger.With("component", "server"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /v1/admission/check", s.handleAdmissionCheck)
	s.mux.HandleFunc("GET /v1/admission/usage", s.handleAdmissionUsage)
	s.mux.HandleFunc("POST /v1/usage/events", s.handleAppendEvent)
	s.mux.HandleFunc("GET /v1/usage/aggregate", s.handleAggregate)
	s.mux.HandleFunc("GET /v1/usage/top", s.handleTop)
	s.mux.HandleFunc("GET /v1/cache/savings", s.handleSavings)
	s.mux.HandleFunc("GET /v1/budget/status", s.handleBudgetStatus)
	s.mux.HandleFunc("POST /v1/budget/evaluate", s.handleBudgetEvaluate)
	s.mux.HandleFunc("GET /v1/forecast", s.handleForecast)

	s.mux.HandleFunc("GET /v1/features", s.handleListFeatures)
	s.mux.HandleFunc("GET /v1/features/{key}", s.handleGetFeature)
	s.mux.HandleFunc("PUT /v1/features/{key}", s.handlePutFeature)
	s.mux.HandleFunc("GET /v1/budgets", s.handleListBudgets)
	s.mux.HandleFunc("GET /v1/budgets/{key}", s.handleGetBudget)
	s.mux.HandleFunc("PUT /v1/budgets/{key}", s.handlePutBudget)
	s.mux.HandleFunc("GET /v1/global", s.handleGetGlobal)
	s.mux.HandleFunc("PUT /v1/global", s.handlePutGlobal)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if deps.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
	)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("spendgate listening", "addr", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrDataUnavailable), errors.Is(err, store.ErrDataUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInvalidConfiguration):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidEvent):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
