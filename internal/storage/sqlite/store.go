// Package sqlite provides the SQLite-backed job and document store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/knowledge-crawler/internal/crawler"
)

// MaxPullBatch caps how many unsynced documents a single pull returns.
const MaxPullBatch = 500

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	start_urls TEXT NOT NULL,
	status TEXT NOT NULL,
	max_pages INTEGER NOT NULL,
	max_depth INTEGER NOT NULL,
	created_at REAL NOT NULL,
	processed_pages INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	lang TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	created_at REAL NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	UNIQUE(job_id, url),
	FOREIGN KEY(job_id) REFERENCES jobs(id)
);
CREATE INDEX IF NOT EXISTS idx_documents_unsynced ON documents(synced, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
`

// Store implements crawler.JobStore on a single SQLite database.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

var _ crawler.JobStore = (*Store)(nil)

// Open creates (or reuses) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create db dir: %w", err)
			}
		}
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a pending job and returns the stored entity.
func (s *Store) CreateJob(ctx context.Context, job crawler.NewJob) (crawler.Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("failed to generate job id: %w", err)
	}
	urls := job.StartURLs
	if urls == nil {
		urls = []string{}
	}
	encoded, err := json.Marshal(urls)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("failed to encode start urls: %w", err)
	}
	created := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, topic, start_urls, status, max_pages, max_depth, created_at, processed_pages)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		id.String(), job.Topic, string(encoded), string(crawler.JobStatusPending),
		job.MaxPages, job.MaxDepth, toEpoch(created),
	)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("failed to insert job: %w", err)
	}
	return crawler.Job{
		ID:        id.String(),
		Topic:     job.Topic,
		StartURLs: append([]string(nil), urls...),
		Status:    crawler.JobStatusPending,
		MaxPages:  job.MaxPages,
		MaxDepth:  job.MaxDepth,
		CreatedAt: created,
	}, nil
}

// UpdateJobStatus applies a partial update. Nil arguments leave the column
// untouched; both nil is a no-op.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status *crawler.JobStatus, processedPages *int) error {
	var (
		sets []string
		args []any
	)
	if status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*status))
	}
	if processedPages != nil {
		sets = append(sets, "processed_pages = ?")
		args = append(args, *processedPages)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, jobID)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return crawler.ErrJobNotFound
	}
	return nil
}

// IncrementProcessedPages atomically bumps the counter and returns the new value.
func (s *Store) IncrementProcessedPages(ctx context.Context, jobID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var processed int
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET processed_pages = processed_pages + ? WHERE id = ? RETURNING processed_pages`,
		delta, jobID,
	).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, crawler.ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment processed pages: %w", err)
	}
	return processed, nil
}

const jobColumns = `id, topic, start_urls, status, max_pages, max_depth, created_at, processed_pages`

// GetJob loads one job or returns crawler.ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status *crawler.JobStatus) ([]crawler.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	return s.queryJobs(ctx, query, args...)
}

// ListResumableJobs returns unfinished jobs oldest first.
func (s *Store) ListResumableJobs(ctx context.Context) ([]crawler.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY created_at ASC, rowid ASC`,
		string(crawler.JobStatusPending), string(crawler.JobStatusRunning),
	)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]crawler.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	jobs := []crawler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (crawler.Job, error) {
	var (
		job     crawler.Job
		urls    string
		status  string
		created float64
	)
	if err := row.Scan(&job.ID, &job.Topic, &urls, &status, &job.MaxPages, &job.MaxDepth, &created, &job.ProcessedPages); err != nil {
		return crawler.Job{}, err
	}
	if err := json.Unmarshal([]byte(urls), &job.StartURLs); err != nil {
		return crawler.Job{}, fmt.Errorf("decode start urls: %w", err)
	}
	job.Status = crawler.JobStatus(status)
	job.CreatedAt = fromEpoch(created)
	return job, nil
}

// AddDocument inserts a document unless (job_id, url) already exists.
// A duplicate yields inserted=false with a nil error; any other failure is
// returned as an error.
func (s *Store) AddDocument(ctx context.Context, doc crawler.Document) (int64, bool, error) {
	created := doc.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (job_id, url, title, text, lang, domain, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(job_id, url) DO NOTHING`,
		doc.JobID, doc.URL, doc.Title, doc.Text, doc.Lang, doc.Domain, toEpoch(created),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read document id: %w", err)
	}
	return id, true, nil
}

// GetUnsyncedDocuments returns up to MaxPullBatch unsynced documents, oldest
// first, each carrying its job's topic. A non-nil since keeps only documents
// created at or after it.
func (s *Store) GetUnsyncedDocuments(ctx context.Context, since *time.Time) ([]crawler.Document, error) {
	query := `
		SELECT d.id, d.job_id, d.url, d.title, d.text, d.lang, d.domain, d.created_at, d.synced, j.topic
		FROM documents d JOIN jobs j ON j.id = d.job_id
		WHERE d.synced = 0`
	var args []any
	if since != nil {
		query += ` AND d.created_at >= ?`
		args = append(args, toEpoch(*since))
	}
	query += ` ORDER BY d.created_at ASC, d.id ASC LIMIT ?`
	args = append(args, MaxPullBatch)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced documents: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	docs := []crawler.Document{}
	for rows.Next() {
		var (
			doc     crawler.Document
			created float64
		)
		if err := rows.Scan(&doc.ID, &doc.JobID, &doc.URL, &doc.Title, &doc.Text, &doc.Lang,
			&doc.Domain, &created, &doc.Synced, &doc.Topic); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.CreatedAt = fromEpoch(created)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// MarkDocumentsSynced flips synced for ids that are still unsynced and
// returns how many rows actually changed.
func (s *Store) MarkDocumentsSynced(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for start := 0; start < len(ids); start += MaxPullBatch {
		chunk := ids[start:min(start+MaxPullBatch, len(ids))]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE documents SET synced = 1 WHERE synced = 0 AND id IN (`+placeholders+`)`, args...)
		if err != nil {
			return updated, fmt.Errorf("failed to mark documents synced: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return updated, fmt.Errorf("failed to read rows affected: %w", err)
		}
		updated += int(n)
	}
	return updated, nil
}

// toEpoch stores whole microseconds so fromEpoch(toEpoch(t)) is exact and
// toEpoch(fromEpoch(v)) == v for every stored v.
func toEpoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromEpoch(v float64) time.Time {
	return time.UnixMicro(int64(math.Round(v * 1e6))).UTC()
}
