package worker

import "github.com/JakeFAU/knowledge-crawler/internal/crawler"

// jobRuntime is the in-memory bookkeeping for one registered job. All fields
// are guarded by Pool.mu.
type jobRuntime struct {
	topic    string
	maxPages int
	maxDepth int
	// processed mirrors the stored processed_pages counter.
	processed int
	// inflight counts budget slots reserved by items being fetched.
	inflight int
	// pending counts items queued or being processed.
	pending int
	visited map[string]struct{}
	active  bool
}

func newJobRuntime(job crawler.Job) *jobRuntime {
	return &jobRuntime{
		topic:     job.Topic,
		maxPages:  job.MaxPages,
		maxDepth:  job.MaxDepth,
		processed: job.ProcessedPages,
		visited:   make(map[string]struct{}),
		active:    true,
	}
}

func (rt *jobRuntime) budgetExhausted() bool {
	return rt.processed >= rt.maxPages
}

func (rt *jobRuntime) finished() bool {
	return rt.budgetExhausted() || rt.pending == 0
}

// Snapshot is a point-in-time copy of a job's runtime counters.
type Snapshot struct {
	JobID     string `json:"job_id"`
	Topic     string `json:"topic"`
	MaxPages  int    `json:"max_pages"`
	MaxDepth  int    `json:"max_depth"`
	Processed int    `json:"processed"`
	Inflight  int    `json:"inflight"`
	Pending   int    `json:"pending"`
	Visited   int    `json:"visited"`
	Active    bool   `json:"active"`
}

func (rt *jobRuntime) snapshot(jobID string) Snapshot {
	return Snapshot{
		JobID:     jobID,
		Topic:     rt.topic,
		MaxPages:  rt.maxPages,
		MaxDepth:  rt.maxDepth,
		Processed: rt.processed,
		Inflight:  rt.inflight,
		Pending:   rt.pending,
		Visited:   len(rt.visited),
		Active:    rt.active,
	}
}
