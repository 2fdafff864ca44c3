package crawler

import (
	"context"
	"time"
)

// JobStore persists jobs and documents and implements the sync/ack primitives.
type JobStore interface {
	CreateJob(ctx context.Context, job NewJob) (Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status *JobStatus, processedPages *int) error
	IncrementProcessedPages(ctx context.Context, jobID string, delta int) (int, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, status *JobStatus) ([]Job, error)
	ListResumableJobs(ctx context.Context) ([]Job, error)
	AddDocument(ctx context.Context, doc Document) (int64, bool, error)
	GetUnsyncedDocuments(ctx context.Context, since *time.Time) ([]Document, error)
	MarkDocumentsSynced(ctx context.Context, ids []int64) (int, error)
}

// Guard decides whether a specific fetch may proceed.
type Guard interface {
	CheckResources() bool
	CheckDomain(rawURL string) bool
	CheckRateLimit(domain string) bool
	AllowedByRobots(ctx context.Context, rawURL string) bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser extracts text, metadata and outbound links from an HTML page.
type Parser interface {
	Parse(baseURL string, body []byte) (ParsedPage, error)
}

// Frontier is the shared FIFO of scheduled fetches.
type Frontier interface {
	Push(item FrontierItem)
	Dequeue(ctx context.Context, timeout time.Duration) (FrontierItem, bool)
	Drain() int
	Len() int
}
