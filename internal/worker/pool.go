// Package worker runs the crawl: a shared frontier consumed by a fixed pool
// of goroutines, each driving fetch, parse, store and link expansion for one
// item at a time under the guard's politeness checks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/knowledge-crawler/internal/config"
	"github.com/JakeFAU/knowledge-crawler/internal/crawler"
	"github.com/JakeFAU/knowledge-crawler/internal/metrics"
)

var (
	// ErrStopped is returned when work is submitted to a stopped pool.
	ErrStopped = errors.New("worker pool stopped")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("worker pool already started")
	// ErrNoSeeds is returned when none of a job's start URLs can be scheduled.
	ErrNoSeeds = errors.New("no schedulable start urls")
	// ErrStopTimeout is returned when workers outlive the Stop deadline.
	ErrStopTimeout = errors.New("workers did not stop before timeout")
)

// Config controls Pool behavior.
type Config struct {
	Workers      int
	PollInterval time.Duration
	Backoff      time.Duration
}

// ConfigFromCrawler maps service configuration onto pool settings.
func ConfigFromCrawler(cfg config.CrawlerConfig) Config {
	return Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval(),
		Backoff:      cfg.Backoff(),
	}
}

// Pool owns the frontier, the per-job runtimes and the worker goroutines.
type Pool struct {
	cfg      Config
	store    crawler.JobStore
	guard    crawler.Guard
	fetcher  crawler.Fetcher
	parser   crawler.Parser
	frontier crawler.Frontier
	logger   *zap.Logger

	mu   sync.Mutex
	jobs map[string]*jobRuntime

	gateMu sync.Mutex
	gate   chan struct{}
	paused bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	alive     atomic.Int32
}

// New constructs a Pool. Start must be called before items are processed;
// jobs may be enqueued before that.
func New(
	cfg Config,
	store crawler.JobStore,
	guard crawler.Guard,
	fetcher crawler.Fetcher,
	parser crawler.Parser,
	frontier crawler.Frontier,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := make(chan struct{})
	close(gate)
	return &Pool{
		cfg:      cfg,
		store:    store,
		guard:    guard,
		fetcher:  fetcher,
		parser:   parser,
		frontier: frontier,
		logger:   logger,
		jobs:     make(map[string]*jobRuntime),
		gate:     gate,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	started := false
	p.startOnce.Do(func() {
		started = true
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		group, groupCtx := errgroup.WithContext(runCtx)
		for i := range p.cfg.Workers {
			p.alive.Add(1)
			metrics.IncActiveWorkers()
			group.Go(func() error {
				defer func() {
					p.alive.Add(-1)
					metrics.DecActiveWorkers()
				}()
				p.run(groupCtx, p.logger.With(zap.Int("index", i)))
				return nil
			})
		}
		go func() {
			_ = group.Wait() //nolint:errcheck // workers never return errors
			close(p.done)
		}()
		p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Workers))
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// Enqueue registers a runtime for job, persists it as running and seeds its
// start URLs at depth 0. Enqueuing an already registered job is a no-op.
func (p *Pool) Enqueue(ctx context.Context, job crawler.Job) error {
	if p.stopping() {
		return ErrStopped
	}
	if job.Status.Terminal() {
		return nil
	}
	p.mu.Lock()
	_, exists := p.jobs[job.ID]
	p.mu.Unlock()
	if exists {
		return nil
	}

	seeds := make([]string, 0, len(job.StartURLs))
	seen := make(map[string]struct{}, len(job.StartURLs))
	for _, raw := range job.StartURLs {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			p.logger.Warn("skipping invalid start url", zap.String("job_id", job.ID), zap.String("url", raw), zap.Error(err))
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		seeds = append(seeds, normalized)
	}
	if len(seeds) == 0 {
		p.persistStatus(ctx, job.ID, crawler.JobStatusFailed)
		return fmt.Errorf("enqueue job %s: %w", job.ID, ErrNoSeeds)
	}
	if job.ProcessedPages >= job.MaxPages {
		p.persistStatus(ctx, job.ID, crawler.JobStatusCompleted)
		return nil
	}

	// persisted before the runtime exists so a finalization can never be
	// overwritten by this write
	running := crawler.JobStatusRunning
	if err := p.store.UpdateJobStatus(ctx, job.ID, &running, nil); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	rt := newJobRuntime(job)
	p.mu.Lock()
	if _, exists := p.jobs[job.ID]; exists {
		p.mu.Unlock()
		return nil
	}
	p.jobs[job.ID] = rt
	for _, seed := range seeds {
		rt.visited[seed] = struct{}{}
	}
	rt.pending = len(seeds)
	p.mu.Unlock()

	for _, seed := range seeds {
		p.frontier.Push(crawler.FrontierItem{JobID: job.ID, URL: seed, Depth: 0})
	}
	metrics.SetFrontierDepth(p.frontier.Len())
	p.logger.Info("job seeded",
		zap.String("job_id", job.ID),
		zap.String("topic", job.Topic),
		zap.Int("seeds", len(seeds)),
		zap.Int("max_pages", job.MaxPages),
		zap.Int("max_depth", job.MaxDepth),
	)
	return nil
}

// ResumeJobs re-seeds jobs left pending or running by a previous process.
func (p *Pool) ResumeJobs(ctx context.Context) (int, error) {
	jobs, err := p.store.ListResumableJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable jobs: %w", err)
	}
	resumed := 0
	for _, job := range jobs {
		if err := p.Enqueue(ctx, job); err != nil {
			if errors.Is(err, ErrStopped) {
				return resumed, err
			}
			p.logger.Warn("resume job failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Pause stops workers from dispatching new items. Items already past the
// gate run to completion.
func (p *Pool) Pause() {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.gate = make(chan struct{})
	p.logger.Info("worker pool paused")
}

// Resume reopens the dispatch gate.
func (p *Pool) Resume() {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.gate)
	p.logger.Info("worker pool resumed")
}

// Paused reports whether the dispatch gate is closed.
func (p *Pool) Paused() bool {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	return p.paused
}

// Alive reports the number of live worker goroutines.
func (p *Pool) Alive() int {
	return int(p.alive.Load())
}

// Snapshot returns the runtime counters of a registered job.
func (p *Pool) Snapshot(jobID string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rt, ok := p.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return rt.snapshot(jobID), true
}

// Stop sets the stop flag, drains the frontier and waits up to timeout for
// workers to exit. A worker blocked in a fetch is not interrupted until the
// deadline passes.
func (p *Pool) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		dropped := p.frontier.Drain()
		metrics.SetFrontierDepth(0)
		p.logger.Info("worker pool stopping", zap.Int("dropped_items", dropped))
	})

	started := true
	p.startOnce.Do(func() {
		started = false
		close(p.done)
	})
	if !started {
		return nil
	}

	cancel := p.cancel
	if cancel == nil {
		// stopped before it was ever started
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		cancel()
		p.logger.Info("worker pool stopped")
		return nil
	case <-timer.C:
		cancel()
		return fmt.Errorf("stop after %s: %w", timeout, ErrStopTimeout)
	}
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// waitGate blocks while paused. It returns false once the pool is stopping.
func (p *Pool) waitGate(ctx context.Context) bool {
	p.gateMu.Lock()
	gate := p.gate
	p.gateMu.Unlock()
	select {
	case <-gate:
		return !p.stopping()
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// sleep waits for d unless the pool stops first.
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !p.stopping()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) run(ctx context.Context, logger *zap.Logger) {
	for {
		if !p.waitGate(ctx) {
			return
		}
		item, ok := p.frontier.Dequeue(ctx, p.cfg.PollInterval)
		if !ok {
			if p.stopping() || ctx.Err() != nil {
				return
			}
			p.sweep(ctx)
			continue
		}
		metrics.SetFrontierDepth(p.frontier.Len())
		// a pause that landed while this worker waited on the frontier
		// still holds the item back
		if !p.waitGate(ctx) {
			return
		}
		p.process(ctx, logger, item)
		p.sweep(ctx)
	}
}

// schedule adds url to the frontier for jobID. Unless force is set, URLs
// already in the job's visited set are skipped.
func (p *Pool) schedule(jobID, url string, depth int, force bool) bool {
	p.mu.Lock()
	rt, ok := p.jobs[jobID]
	if !ok || !rt.active || depth > rt.maxDepth {
		p.mu.Unlock()
		return false
	}
	if !force {
		if _, seen := rt.visited[url]; seen {
			p.mu.Unlock()
			return false
		}
		rt.visited[url] = struct{}{}
	}
	rt.pending++
	p.mu.Unlock()

	p.frontier.Push(crawler.FrontierItem{JobID: jobID, URL: url, Depth: depth, Forced: force})
	return true
}

// retire marks one item of jobID as no longer pending.
func (p *Pool) retire(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rt, ok := p.jobs[jobID]; ok && rt.pending > 0 {
		rt.pending--
	}
}

func (p *Pool) release(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rt, ok := p.jobs[jobID]; ok && rt.inflight > 0 {
		rt.inflight--
	}
}

// requeue backs off then pushes item again with the force flag. The new
// pending slot is taken before the caller retires the current one.
func (p *Pool) requeue(ctx context.Context, logger *zap.Logger, item crawler.FrontierItem, reason string) {
	if !p.sleep(ctx, p.cfg.Backoff) {
		metrics.ObservePage(metrics.PageSkipped)
		return
	}
	if p.schedule(item.JobID, item.URL, item.Depth, true) {
		metrics.ObservePage(metrics.PageRequeued)
		metrics.SetFrontierDepth(p.frontier.Len())
		logger.Debug("item requeued", zap.String("job_id", item.JobID), zap.String("url", item.URL), zap.String("reason", reason))
		return
	}
	metrics.ObservePage(metrics.PageSkipped)
}

type attempt struct {
	item     crawler.FrontierItem
	reserved bool
}

func (p *Pool) process(ctx context.Context, logger *zap.Logger, item crawler.FrontierItem) {
	a := &attempt{item: item}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing item",
				zap.String("job_id", item.JobID),
				zap.String("url", item.URL),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			metrics.ObservePage(metrics.PageFailed)
		}
		if a.reserved {
			p.release(item.JobID)
		}
		p.retire(item.JobID)
	}()
	p.handle(ctx, logger, a)
}

func (p *Pool) handle(ctx context.Context, logger *zap.Logger, a *attempt) {
	item := a.item
	fields := []zap.Field{zap.String("job_id", item.JobID), zap.String("url", item.URL), zap.Int("depth", item.Depth)}

	p.mu.Lock()
	rt, ok := p.jobs[item.JobID]
	switch {
	case !ok || !rt.active || item.Depth > rt.maxDepth, rt.budgetExhausted():
		p.mu.Unlock()
		metrics.ObservePage(metrics.PageSkipped)
		return
	case rt.processed+rt.inflight >= rt.maxPages:
		// other workers hold the remaining budget; retry once they settle
		p.mu.Unlock()
		p.requeue(ctx, logger, item, "budget reserved")
		return
	}
	rt.inflight++
	a.reserved = true
	p.mu.Unlock()

	unreserve := func() {
		p.release(item.JobID)
		a.reserved = false
	}

	if !p.guard.CheckResources() {
		unreserve()
		p.requeue(ctx, logger, item, "resources")
		return
	}
	if !p.guard.CheckDomain(item.URL) {
		metrics.ObservePage(metrics.PageSkipped)
		return
	}
	domain := crawler.HostOf(item.URL)
	if !p.guard.CheckRateLimit(domain) {
		unreserve()
		p.requeue(ctx, logger, item, "rate limit")
		return
	}
	if !p.guard.AllowedByRobots(ctx, item.URL) {
		metrics.ObservePage(metrics.PageSkipped)
		return
	}

	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{JobID: item.JobID, URL: item.URL, Depth: item.Depth})
	if err != nil {
		logger.Debug("fetch failed", append(fields, zap.Error(err))...)
		metrics.ObservePage(metrics.PageFailed)
		return
	}
	if !strings.Contains(strings.ToLower(resp.ContentType()), "text/html") {
		logger.Debug("skipping non-html content", append(fields, zap.String("content_type", resp.ContentType()))...)
		metrics.ObservePage(metrics.PageSkipped)
		return
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = item.URL
	}
	page, err := p.parser.Parse(pageURL, resp.Body)
	if err != nil {
		logger.Debug("parse failed", append(fields, zap.Error(err))...)
		metrics.ObservePage(metrics.PageFailed)
		return
	}
	if page.Text == "" {
		metrics.ObservePage(metrics.PageSkipped)
		return
	}

	_, inserted, err := p.store.AddDocument(ctx, crawler.Document{
		JobID:  item.JobID,
		URL:    item.URL,
		Title:  page.Title,
		Text:   page.Text,
		Lang:   page.Lang,
		Domain: domain,
	})
	if err != nil {
		logger.Error("store document failed", append(fields, zap.Error(err))...)
	}
	processed := -1
	if inserted {
		n, err := p.store.IncrementProcessedPages(ctx, item.JobID, 1)
		if err != nil {
			logger.Error("increment processed pages failed", append(fields, zap.Error(err))...)
		} else {
			processed = n
		}
		metrics.ObservePage(metrics.PageStored)
	} else if err == nil {
		metrics.ObservePage(metrics.PageDuplicate)
	}

	p.mu.Lock()
	if processed >= 0 && processed > rt.processed {
		rt.processed = processed
	}
	if a.reserved && rt.inflight > 0 {
		rt.inflight--
	}
	a.reserved = false
	expand := rt.active && !rt.budgetExhausted() && item.Depth+1 <= rt.maxDepth
	p.mu.Unlock()

	if !expand {
		return
	}
	added := 0
	for _, link := range page.Links {
		normalized, err := crawler.NormalizeURL(link)
		if err != nil || !p.guard.CheckDomain(normalized) {
			continue
		}
		if p.schedule(item.JobID, normalized, item.Depth+1, false) {
			added++
		}
	}
	if added > 0 {
		metrics.SetFrontierDepth(p.frontier.Len())
	}
	logger.Debug("page processed", append(fields, zap.Bool("new", inserted), zap.Int("links_added", added))...)
}

// sweep finalizes every active job whose budget is spent or whose frontier
// share is empty, and forgets runtimes with nothing left pending.
func (p *Pool) sweep(ctx context.Context) {
	type finished struct {
		id        string
		processed int
	}
	var done []finished

	p.mu.Lock()
	for id, rt := range p.jobs {
		if rt.active && rt.finished() {
			rt.active = false
			done = append(done, finished{id: id, processed: rt.processed})
		}
		if !rt.active && rt.pending == 0 {
			delete(p.jobs, id)
		}
	}
	p.mu.Unlock()

	for _, f := range done {
		p.persistStatus(ctx, f.id, crawler.JobStatusCompleted)
		p.logger.Info("job finalized", zap.String("job_id", f.id), zap.Int("processed_pages", f.processed))
	}
}

func (p *Pool) persistStatus(ctx context.Context, jobID string, status crawler.JobStatus) {
	// a canceled run context must not lose the final status
	ctx = context.WithoutCancel(ctx)
	if err := p.store.UpdateJobStatus(ctx, jobID, &status, nil); err != nil {
		p.logger.Error("persist job status failed", zap.String("job_id", jobID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(status))
}
