// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-crawler/internal/config"
	"github.com/JakeFAU/knowledge-crawler/internal/crawler"
	"github.com/JakeFAU/knowledge-crawler/internal/metrics"
	"github.com/JakeFAU/knowledge-crawler/internal/worker"
)

const requestTimeout = 60 * time.Second

// Crawler is the subset of the worker pool the HTTP layer drives.
type Crawler interface {
	Enqueue(ctx context.Context, job crawler.Job) error
	Pause()
	Resume()
	Paused() bool
	Alive() int
	Snapshot(jobID string) (worker.Snapshot, bool)
}

// Server wires HTTP handlers to the job store and worker pool.
type Server struct {
	router chi.Router
	store  crawler.JobStore
	pool   Crawler
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store crawler.JobStore, pool Crawler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Get("/{job_id}", s.getJob)
		})
		r.Get("/results", s.pullResults)
		r.Post("/results/ack", s.ackResults)
		r.Post("/workers/pause", s.pauseWorkers)
		r.Post("/workers/resume", s.resumeWorkers)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	alive := s.pool.Alive()
	status, code := "ok", http.StatusOK
	if alive == 0 {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:  status,
		Workers: alive,
		Paused:  s.pool.Paused(),
	})
}

func (s *Server) pauseWorkers(w http.ResponseWriter, _ *http.Request) {
	s.pool.Pause()
	s.logger.Info("workers paused via API")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeWorkers(w http.ResponseWriter, _ *http.Request) {
	s.pool.Resume()
	s.logger.Info("workers resumed via API")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
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
