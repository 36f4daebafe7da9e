// Package api serves the engine's control surface: status, ad-hoc dials,
// flow validation, campaign inspection, shutdown, and Prometheus metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialcast/dialcast/internal/dialer"
	"github.com/dialcast/dialcast/internal/ivr"
	"github.com/dialcast/dialcast/internal/metrics"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	engine   *dialer.Engine
	logger   *slog.Logger
	shutdown func()
	registry *prometheus.Registry
}

// NewServer creates the control API handler. The shutdown callback is
// invoked after a /api/shutdown request has been acknowledged.
func NewServer(engine *dialer.Engine, shutdown func(), logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		engine:   engine,
		logger:   logger.With("subsystem", "api"),
		shutdown: shutdown,
		registry: prometheus.NewRegistry(),
	}

	s.registry.MustRegister(metrics.NewCollector(engine, engine.Repositories().CallLogs))

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts the control endpoints.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Post("/dial", s.handleDial)
		r.Post("/shutdown", s.handleShutdown)
		r.Post("/flows/validate", s.handleValidateFlow)
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/", s.handleCampaign)
			r.Get("/calls", s.handleCampaignCalls)
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.logger.Info("api routes mounted")
}

// requestLogger logs each request with its chi request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleHealth returns basic liveness. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the engine status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleDial places one ad-hoc test call.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To     string `json:"to"`
		FlowID int64  `json:"flow_id"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	callID, err := s.engine.Dial(r.Context(), req.To, req.FlowID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID})
}

// handleShutdown acknowledges the request, then stops the daemon.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	s.logger.Info("shutdown requested via api", "remote_addr", r.RemoteAddr)
	if s.shutdown != nil {
		// Let the response flush before the listener goes away.
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdown()
		}()
	}
}

// handleValidateFlow parses and validates a flow document without
// touching the database.
func (s *Server) handleValidateFlow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlowData json.RawMessage `json:"flow_data"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	flow, err := ivr.ParseFlow(req.FlowData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "flow_data is not valid flow json")
		return
	}
	writeJSON(w, http.StatusOK, ivr.Validate(flow))
}

// handleCampaign returns a campaign row with its contact status counts.
func (s *Server) handleCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	repos := s.engine.Repositories()
	campaign, err := repos.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	counts, err := repos.CampaignContacts.CountByStatus(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count contacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaign": campaign,
		"contacts": counts,
	})
}

// handleCampaignCalls returns recent call logs for a campaign.
func (s *Server) handleCampaignCalls(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	logs, err := s.engine.Repositories().CallLogs.ListByCampaign(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load call logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
