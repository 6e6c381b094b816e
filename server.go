package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/rs/cors"
)

// MonitorController is the lifecycle surface the external CRUD layer drives.
type MonitorController interface {
	ProbeNow(ctx context.Context, monitorID string) (RecordResult, error)
	Pause(ctx context.Context, monitorID string) (Monitor, error)
	Resume(ctx context.Context, monitorID string) (RecordResult, error)
	Delete(ctx context.Context, monitorID string) error
}

type IncidentManager interface {
	Create(ctx context.Context, incident Incident) (Incident, error)
	AddUpdate(ctx context.Context, incidentID string, status IncidentStatus, message string) (Incident, error)
	List(ctx context.Context, monitorID string) ([]Incident, error)
}

type Server struct {
	*http.Server
	serverConfig ServerConfig
	controller   MonitorController
	monitors     MonitorRepository
	checks       CheckRepository
	incidents    IncidentManager
	now          func() time.Time
}

type ServerOptions struct {
	ServerConfig ServerConfig
	Controller   MonitorController
	Monitors     MonitorRepository
	Checks       CheckRepository
	Incidents    IncidentManager
}

func NewServer(options ServerOptions) (*Server, error) {
	if options.Controller == nil || options.Monitors == nil || options.Checks == nil || options.Incidents == nil {
		return nil, errors.New("server dependencies must not be nil")
	}
	s := &Server{
		serverConfig: options.ServerConfig,
		controller:   options.Controller,
		monitors:     options.Monitors,
		checks:       options.Checks,
		incidents:    options.Incidents,
		now:          nowUTC,
	}

	sentryMiddleware := sentryhttp.New(sentryhttp.Options{
		Repanic:         true,
		WaitForDelivery: true,
		Timeout:         2 * time.Second,
	})

	allowedOrigins := s.serverConfig.Server.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5174"}
	}
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
	})

	protected := func(handler http.HandlerFunc) http.Handler {
		return corsMiddleware.Handler(sentryMiddleware.HandleFunc(s.requireApiKey(handler)))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", sentryMiddleware.HandleFunc(s.HealthHandler))
	mux.Handle("POST /monitors/{id}/probe", protected(s.ProbeHandler))
	mux.Handle("POST /monitors/{id}/pause", protected(s.PauseHandler))
	mux.Handle("POST /monitors/{id}/resume", protected(s.ResumeHandler))
	mux.Handle("DELETE /monitors/{id}", protected(s.DeleteHandler))
	mux.Handle("GET /monitors/{id}/checks", protected(s.ChecksHandler))
	mux.Handle("GET /monitors/{id}/uptime", protected(s.UptimeHandler))
	mux.Handle("GET /monitors/{id}/incidents", protected(s.ListIncidentsHandler))
	mux.Handle("POST /monitors/{id}/incidents", protected(s.CreateIncidentHandler))
	mux.Handle("POST /incidents/{id}/updates", protected(s.IncidentUpdateHandler))

	s.Server = &http.Server{
		Addr:              net.JoinHostPort(s.serverConfig.Server.Host, strconv.Itoa(s.serverConfig.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

type CommonErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, CommonErrorResponse{Error: message})
}

// writeDomainError maps domain errors to HTTP statuses. Unexpected errors are
// reported to Sentry.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrMonitorNotFound), errors.Is(err, ErrIncidentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrMonitorNotProbeable),
		errors.Is(err, ErrMonitorVersionConflict),
		errors.Is(err, ErrIncidentResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidMonitor), errors.Is(err, ErrInvalidIncident):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		slog.ErrorContext(r.Context(), "handling control request", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) requireApiKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := s.serverConfig.Server.ApiKey
		provided := r.Header.Get("X-API-Key")
		if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if monitorID := r.PathValue("id"); monitorID != "" {
			if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
				hub.Scope().SetTag("upwatch.resource_id", monitorID)
			}
		}
		next(w, r)
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ProbeResponse struct {
	Monitor  Monitor       `json:"monitor"`
	Check    Check         `json:"check"`
	Previous MonitorStatus `json:"previous_status"`
}

func (s *Server) ProbeHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.controller.ProbeNow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{Monitor: result.Monitor, Check: result.Check, Previous: result.Previous})
}

func (s *Server) PauseHandler(w http.ResponseWriter, r *http.Request) {
	monitor, err := s.controller.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, monitor)
}

func (s *Server) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.controller.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{Monitor: result.Monitor, Check: result.Check, Previous: result.Previous})
}

func (s *Server) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const maxChecksLimit = 1000

func (s *Server) ChecksHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	monitorID := r.PathValue("id")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxChecksLimit)
	}

	if _, err := s.monitors.GetMonitor(ctx, monitorID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	checks, err := s.checks.ListChecks(ctx, monitorID, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if checks == nil {
		checks = []Check{}
	}
	writeJSON(w, http.StatusOK, checks)
}

type UptimeResponse struct {
	Period string `json:"period"`
	UptimeSummary
}

var uptimePeriods = map[string]time.Duration{
	"1d":  24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

func (s *Server) UptimeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	monitorID := r.PathValue("id")

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "30d"
	}
	window, ok := uptimePeriods[period]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown period %q, expected 1d, 7d or 30d", period))
		return
	}

	if _, err := s.monitors.GetMonitor(ctx, monitorID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	summary, err := s.checks.UptimeSummary(ctx, monitorID, s.now().Add(-window))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UptimeResponse{Period: period, UptimeSummary: summary})
}

func (s *Server) ListIncidentsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	monitorID := r.PathValue("id")

	if _, err := s.monitors.GetMonitor(ctx, monitorID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	incidents, err := s.incidents.List(ctx, monitorID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

type CreateIncidentRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Status      IncidentStatus   `json:"status"`
	Severity    IncidentSeverity `json:"severity"`
}

func (s *Server) CreateIncidentHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	monitorID := r.PathValue("id")

	var request CreateIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := s.monitors.GetMonitor(ctx, monitorID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	incident, err := s.incidents.Create(ctx, Incident{
		MonitorID:   monitorID,
		Title:       request.Title,
		Description: request.Description,
		Status:      request.Status,
		Severity:    request.Severity,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, incident)
}

type IncidentUpdateRequest struct {
	Status  IncidentStatus `json:"status"`
	Message string         `json:"message"`
}

func (s *Server) IncidentUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var request IncidentUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	incident, err := s.incidents.AddUpdate(r.Context(), r.PathValue("id"), request.Status, request.Message)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, incident)
}
