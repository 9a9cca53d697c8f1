package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recoverylab/validator/internal/broadcast"
	"github.com/recoverylab/validator/internal/charts"
	"github.com/recoverylab/validator/internal/controller"
	"github.com/recoverylab/validator/internal/model"
	"github.com/recoverylab/validator/internal/state"
)

const (
	serviceName    = "Recovery Validation Orchestrator"
	serviceVersion = "1.0.0"

	maxBodyBytes = 1 << 20
)

type Server struct {
	store    *state.Store
	ctrl     *controller.Controller
	hub      *broadcast.Hub
	charts   *charts.Generator
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

func NewServer(store *state.Store, ctrl *controller.Controller, hub *broadcast.Hub, gatherer prometheus.Gatherer) *Server {
	return &Server{
		store:    store,
		ctrl:     ctrl,
		hub:      hub,
		charts:   charts.NewGenerator(),
		gatherer: gatherer,
		validate: validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(allowAllOrigins)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/dashboard", s.handleDashboard)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.hub.ServeWS(func(register func(model.Event)) {
		s.store.WithStatus(func(st model.SystemStatus) {
			register(model.SystemStatusEvent(st))
		})
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/demo/bug", s.handleToggleBug)
		r.Get("/incidents/current", s.handleCurrentIncident)
		r.Post("/incidents/simulate", s.handleSimulate)
		r.Post("/tests/run", s.handleRunTests)
		r.Get("/tests/runs/{runID}", s.handleGetTestRun)
		r.Post("/copilot/ask", s.handleAskCopilot)
	})

	r.Post("/internal/monitor/webhook", s.handleMonitorWebhook)
	r.Post("/internal/datadog/webhook", s.handleMonitorWebhook)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": serviceName,
		"version": serviceVersion,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.charts.Dashboard(w, s.store.History(), s.store.TestRun("")); err != nil {
		slog.Error("Failed to render dashboard", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Status())
}

type bugToggleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *Server) handleToggleBug(w http.ResponseWriter, r *http.Request) {
	var req bugToggleRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.store.ToggleBug(r.Context(), *req.Enabled))
}

func (s *Server) handleCurrentIncident(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.CurrentIncident())
}

type simulateRequest struct {
	Mode string `json:"mode" validate:"required"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.ctrl.SimulateIncident(req.Mode) {
		writeError(w, http.StatusBadRequest, "Unknown simulation mode")
		return
	}
	writeJSON(w, http.StatusOK, s.store.CurrentIncident())
}

type runTestsRequest struct {
	IncidentID string `json:"incident_id"`
}

func (s *Server) handleRunTests(w http.ResponseWriter, r *http.Request) {
	var req runTestsRequest
	if !s.decode(w, r, &req) {
		return
	}

	run, err := s.ctrl.RunValidationTests(r.Context(), req.IncidentID)
	switch {
	case errors.Is(err, controller.ErrIncidentNotFound), errors.Is(err, controller.ErrNoPlan):
		writeError(w, http.StatusNotFound, "Incident not found or no plan available")
		return
	case err != nil:
		slog.Error("Failed to run tests", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetTestRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run := s.ctrl.PollTestRun(runID)
	if run == nil {
		writeError(w, http.StatusNotFound, "Test run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type copilotAskRequest struct {
	IncidentID *string `json:"incident_id"`
	Question   string  `json:"question" validate:"required,max=2000"`
}

func (s *Server) handleAskCopilot(w http.ResponseWriter, r *http.Request) {
	var req copilotAskRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.AskCopilot(r.Context(), req.Question, req.IncidentID))
}

func (s *Server) handleMonitorWebhook(w http.ResponseWriter, r *http.Request) {
	var alert controller.MonitorAlert
	if !s.decode(w, r, &alert) {
		return
	}
	slog.Info("Received monitor webhook", "alert_id", alert.AlertID, "transition", alert.Transition)

	resp := map[string]any{"status": "ok", "incident_id": nil}
	if inc := s.ctrl.HandleMonitorAlert(alert); inc != nil {
		resp["incident_id"] = inc.IncidentID
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func allowAllOrigins(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
