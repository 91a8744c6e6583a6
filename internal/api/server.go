package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/orchestrator"
	"github.com/JakeFAU/catalog-harvester/internal/report"
)

// UserHeader carries the caller's identity.
const UserHeader = "X-User-ID"

// Jobs is the orchestrator surface the API drives.
type Jobs interface {
	StartJob(userID, targetURL string, fields []string) error
	StopJob(userID string) bool
	StopAll() int
	RestartJob(ctx context.Context, userID, targetURL string, fields []string) error
	Status(userID string) orchestrator.Status
	Result(userID string) (harvest.ResultBundle, bool)
}

// Config controls authentication and request handling.
type Config struct {
	AuthEnabled  bool
	APIKey       string
	AllowedUsers []string
	// RequestTimeout bounds each request; restart requests wait out the restart grace.
	RequestTimeout time.Duration
	// Ready reports readiness; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router  chi.Router
	jobs    Jobs
	cfg     Config
	allowed map[string]struct{}
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs Jobs, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		jobs:    jobs,
		cfg:     cfg,
		allowed: make(map[string]struct{}, len(cfg.AllowedUsers)),
		logger:  logger.Named("api"),
	}
	for _, u := range cfg.AllowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			s.allowed[u] = struct{}{}
		}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Use(s.userMiddleware)
		r.Post("/jobs", s.startJob)
		r.Post("/jobs/restart", s.restartJob)
		r.Delete("/jobs", s.stopJob)
		r.Get("/status", s.status)
		r.Get("/results", s.results)
		r.Get("/resources", s.resources)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type jobRequest struct {
	URL    string   `json:"url"`
	Fields []string `json:"fields"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJobRequest(w, r)
	if !ok {
		return
	}
	userID := userFrom(r.Context())
	if err := s.jobs.StartJob(userID, req.URL, req.Fields); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"user_id": userID, "status": "started"})
}

func (s *Server) restartJob(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJobRequest(w, r)
	if !ok {
		return
	}
	userID := userFrom(r.Context())
	if err := s.jobs.RestartJob(r.Context(), userID, req.URL, req.Fields); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"user_id": userID, "status": "restarted"})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		n := s.jobs.StopAll()
		s.logger.Info("all jobs stopped via api", zap.String("user_id", userFrom(r.Context())), zap.Int("jobs", n))
		writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
		return
	}
	userID := userFrom(r.Context())
	if !s.jobs.StopJob(userID) {
		writeError(w, http.StatusNotFound, "no active job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": 1})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Status(userFrom(r.Context())))
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	bundle, ok := s.jobs.Result(userFrom(r.Context()))
	if !ok {
		writeError(w, http.StatusNotFound, "no results")
		return
	}
	writeJSON(w, http.StatusOK, report.NewDocument(bundle))
}

func (s *Server) resources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Status(userFrom(r.Context())).Scheduler)
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, harvest.ErrAdmissionRejected):
		writeError(w, http.StatusConflict, "job already running")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("job command failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJobRequest(w http.ResponseWriter, r *http.Request) (jobRequest, bool) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
