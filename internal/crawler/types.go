// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Valid reports whether s is a known status value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

var (
	// ErrJobNotFound is returned when a job id has no stored row.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidJob is returned when job parameters fail validation.
	ErrInvalidJob = errors.New("invalid job")
)

// Job is the durable record of a unit of crawl work.
type Job struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	StartURLs      []string  `json:"start_urls"`
	Status         JobStatus `json:"status"`
	MaxPages       int       `json:"max_pages"`
	MaxDepth       int       `json:"max_depth"`
	ProcessedPages int       `json:"processed_pages"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewJob captures the caller-supplied fields of a job before it is stored.
type NewJob struct {
	Topic     string
	StartURLs []string
	MaxPages  int
	MaxDepth  int
}

// Document is one successfully fetched and parsed page.
type Document struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Lang      string    `json:"lang"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	Synced    bool      `json:"synced"`
	// Topic is populated from the owning job on pull.
	Topic string `json:"topic,omitempty"`
}

// FrontierItem is one scheduled fetch.
type FrontierItem struct {
	JobID string
	URL   string
	Depth int
	// Forced marks a requeue after a transient throttle.
	Forced bool
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID string
	URL   string
	Depth int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// ParsedPage holds what the parser extracted from an HTML body.
type ParsedPage struct {
	Title string
	Text  string
	Lang  string
	Links []string
}
