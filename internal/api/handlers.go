package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-crawler/internal/crawler"
	"github.com/JakeFAU/knowledge-crawler/internal/worker"
)

const (
	minTopicRunes = 2
	maxTopicRunes = 120
	maxStartURLs  = 10
	maxBodyBytes  = 1 << 20
)

type createJobRequest struct {
	Topic     string   `json:"topic"`
	StartURLs []string `json:"start_urls"`
	MaxPages  *int     `json:"max_pages,omitempty"`
	MaxDepth  *int     `json:"max_depth,omitempty"`
}

type jobResponse struct {
	crawler.Job
	Runtime *worker.Snapshot `json:"runtime,omitempty"`
}

type documentResponse struct {
	ID        int64   `json:"id"`
	JobID     string  `json:"job_id"`
	Topic     string  `json:"topic"`
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Text      string  `json:"text"`
	Lang      string  `json:"lang"`
	Domain    string  `json:"domain"`
	CreatedAt float64 `json:"created_at"`
}

type ackRequest struct {
	IDs []int64 `json:"ids"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
	Paused  bool   `json:"paused"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	newJob, err := s.toNewJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.store.CreateJob(r.Context(), newJob)
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if err := s.pool.Enqueue(r.Context(), job); err != nil {
		s.logger.Warn("enqueue job failed", zap.String("job_id", job.ID), zap.Error(err))
		switch {
		case errors.Is(err, worker.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, "crawler is shutting down")
		case errors.Is(err, worker.ErrNoSeeds):
			writeError(w, http.StatusBadRequest, "no valid start urls")
		default:
			writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) toNewJob(req createJobRequest) (crawler.NewJob, error) {
	topic := strings.TrimSpace(req.Topic)
	if n := utf8.RuneCountInString(topic); n < minTopicRunes || n > maxTopicRunes {
		return crawler.NewJob{}, fmt.Errorf("topic must be %d-%d characters", minTopicRunes, maxTopicRunes)
	}
	if len(req.StartURLs) == 0 || len(req.StartURLs) > maxStartURLs {
		return crawler.NewJob{}, fmt.Errorf("start_urls must contain 1-%d urls", maxStartURLs)
	}
	urls := make([]string, 0, len(req.StartURLs))
	for _, raw := range req.StartURLs {
		if err := crawler.ValidateStartURL(raw); err != nil {
			return crawler.NewJob{}, err
		}
		urls = append(urls, strings.TrimSpace(raw))
	}
	return crawler.NewJob{
		Topic:     topic,
		StartURLs: urls,
		MaxPages:  s.cfg.Crawler.ClampMaxPages(req.MaxPages),
		MaxDepth:  s.cfg.Crawler.ClampMaxDepth(req.MaxDepth),
	}, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var filter *crawler.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := crawler.JobStatus(strings.ToLower(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filter = &status
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	resp := jobResponse{Job: job}
	if snap, ok := s.pool.Snapshot(jobID); ok {
		resp.Runtime = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pullResults(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := parseSince(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		since = &t
	}
	docs, err := s.store.GetUnsyncedDocuments(r.Context(), since)
	if err != nil {
		s.logger.Error("pull results failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentResponse{
			ID:        d.ID,
			JobID:     d.JobID,
			Topic:     d.Topic,
			URL:       d.URL,
			Title:     d.Title,
			Text:      d.Text,
			Lang:      d.Lang,
			Domain:    d.Domain,
			CreatedAt: float64(d.CreatedAt.UnixMicro()) / 1e6,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out, "count": len(out)})
}

func (s *Server) ackResults(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	updated, err := s.store.MarkDocumentsSynced(r.Context(), req.IDs)
	if err != nil {
		s.logger.Error("ack results failed", zap.Int("ids", len(req.IDs)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to ack results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseSince accepts ISO-8601 timestamps or epoch seconds. Timestamps
// without a zone are read as UTC.
func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return time.Time{}, fmt.Errorf("invalid since %q: not a finite number", raw)
		}
		return time.UnixMicro(int64(math.Round(secs * 1e6))).UTC(), nil
	}
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want ISO-8601 or epoch seconds", raw)
}
