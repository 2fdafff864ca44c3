package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-crawler/internal/config"
	"github.com/JakeFAU/knowledge-crawler/internal/crawler"
	"github.com/JakeFAU/knowledge-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/knowledge-crawler/internal/worker"
)

type fakePool struct {
	mu       sync.Mutex
	enqueued []crawler.Job
	paused   bool
	alive    int
	err      error
	snaps    map[string]worker.Snapshot
}

func (f *fakePool) Enqueue(_ context.Context, job crawler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakePool) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakePool) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *fakePool) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakePool) Alive() int { return f.alive }

func (f *fakePool) Snapshot(jobID string) (worker.Snapshot, bool) {
	snap, ok := f.snaps[jobID]
	return snap, ok
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Crawler: config.CrawlerConfig{
			MaxPagesPerJob:  100,
			MaxDepth:        3,
			DefaultMaxPages: 20,
			DefaultMaxDepth: 1,
		},
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *sqlite.Store, *fakePool) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	pool := &fakePool{alive: 4, snaps: map[string]worker.Snapshot{}}
	return NewServer(store, pool, cfg, zap.NewNop()), store, pool
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateJobClampsAndEnqueues(t *testing.T) {
	srv, store, pool := newTestServer(t, testConfig())

	rec := do(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"topic":      "  go concurrency ",
		"start_urls": []string{"https://go.dev/doc"},
		"max_pages":  1000,
		"max_depth":  9,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode[map[string]string](t, rec)["job_id"]
	require.NotEmpty(t, jobID)

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, "go concurrency", job.Topic)
	require.Equal(t, 100, job.MaxPages)
	require.Equal(t, 3, job.MaxDepth)
	require.Len(t, pool.enqueued, 1)
	require.Equal(t, jobID, pool.enqueued[0].ID)
}

func TestCreateJobDefaults(t *testing.T) {
	srv, store, _ := newTestServer(t, testConfig())

	rec := do(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"topic":      "rust",
		"start_urls": []string{"https://www.rust-lang.org/"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	job, err := store.GetJob(context.Background(), decode[map[string]string](t, rec)["job_id"])
	require.NoError(t, err)
	require.Equal(t, 20, job.MaxPages)
	require.Equal(t, 1, job.MaxDepth)
}

func TestCreateJobValidation(t *testing.T) {
	tooMany := make([]string, 11)
	for i := range tooMany {
		tooMany[i] = "https://example.com/"
	}
	tests := []struct {
		name string
		body any
	}{
		{"short topic", map[string]any{"topic": "a", "start_urls": []string{"https://example.com"}}},
		{"no urls", map[string]any{"topic": "golang", "start_urls": []string{}}},
		{"too many urls", map[string]any{"topic": "golang", "start_urls": tooMany}},
		{"relative url", map[string]any{"topic": "golang", "start_urls": []string{"/docs"}}},
		{"ftp url", map[string]any{"topic": "golang", "start_urls": []string{"ftp://example.com/x"}}},
		{"bad json", "not an object"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, _, pool := newTestServer(t, testConfig())
			rec := do(t, srv, http.MethodPost, "/v1/jobs", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotEmpty(t, decode[map[string]string](t, rec)["error"])
			require.Empty(t, pool.enqueued)
		})
	}
}

func TestCreateJobWhileStopping(t *testing.T) {
	srv, _, pool := newTestServer(t, testConfig())
	pool.err = worker.ErrStopped

	rec := do(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"topic":      "golang",
		"start_urls": []string{"https://go.dev"},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListAndGetJobs(t *testing.T) {
	srv, store, pool := newTestServer(t, testConfig())
	ctx := context.Background()

	first, err := store.CreateJob(ctx, crawler.NewJob{Topic: "one", StartURLs: []string{"https://a.test"}, MaxPages: 1})
	require.NoError(t, err)
	second, err := store.CreateJob(ctx, crawler.NewJob{Topic: "two", StartURLs: []string{"https://b.test"}, MaxPages: 1})
	require.NoError(t, err)
	done := crawler.JobStatusCompleted
	require.NoError(t, store.UpdateJobStatus(ctx, first.ID, &done, nil))
	pool.snaps[second.ID] = worker.Snapshot{JobID: second.ID, Pending: 2, Active: true}

	rec := do(t, srv, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[map[string][]crawler.Job](t, rec)["jobs"]
	require.Len(t, all, 2)
	require.Equal(t, second.ID, all[0].ID)

	rec = do(t, srv, http.MethodGet, "/v1/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	filtered := decode[map[string][]crawler.Job](t, rec)["jobs"]
	require.Len(t, filtered, 1)
	require.Equal(t, first.ID, filtered[0].ID)

	rec = do(t, srv, http.MethodGet, "/v1/jobs?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/jobs/"+second.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[jobResponse](t, rec)
	require.Equal(t, "two", got.Topic)
	require.NotNil(t, got.Runtime)
	require.Equal(t, 2, got.Runtime.Pending)

	rec = do(t, srv, http.MethodGet, "/v1/jobs/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, decode[jobResponse](t, rec).Runtime)

	rec = do(t, srv, http.MethodGet, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPullAndAckResults(t *testing.T) {
	srv, store, _ := newTestServer(t, testConfig())
	ctx := context.Background()

	job, err := store.CreateJob(ctx, crawler.NewJob{Topic: "golang", StartURLs: []string{"https://go.dev"}, MaxPages: 5})
	require.NoError(t, err)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, u := range []string{"https://go.dev/a", "https://go.dev/b"} {
		_, inserted, err := store.AddDocument(ctx, crawler.Document{
			JobID:     job.ID,
			URL:       u,
			Title:     "t",
			Text:      "body",
			Lang:      "en",
			Domain:    "go.dev",
			CreatedAt: base.Add(time.Duration(i)*time.Hour + 123456789*time.Nanosecond),
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}

	type pull struct {
		Documents []documentResponse `json:"documents"`
		Count     int                `json:"count"`
	}
	rec := do(t, srv, http.MethodGet, "/v1/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[pull](t, rec)
	require.Equal(t, 2, all.Count)
	require.Equal(t, "golang", all.Documents[0].Topic)
	require.InDelta(t, float64(base.Unix())+0.123456, all.Documents[0].CreatedAt, 1e-6)

	rec = do(t, srv, http.MethodGet, "/v1/results?since=2025-03-01T12:30:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	later := decode[pull](t, rec)
	require.Equal(t, 1, later.Count)
	require.Equal(t, "https://go.dev/b", later.Documents[0].URL)

	last := all.Documents[len(all.Documents)-1]
	rec = do(t, srv, http.MethodGet, "/v1/results?since="+strconv.FormatFloat(last.CreatedAt, 'f', -1, 64), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	echoed := decode[pull](t, rec)
	require.Equal(t, 1, echoed.Count)
	require.Equal(t, last.ID, echoed.Documents[0].ID)

	rec = do(t, srv, http.MethodGet, "/v1/results?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ids := []int64{all.Documents[0].ID, all.Documents[1].ID}
	rec = do(t, srv, http.MethodPost, "/v1/results/ack", map[string]any{"ids": ids})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, decode[map[string]int](t, rec)["updated"])

	rec = do(t, srv, http.MethodPost, "/v1/results/ack", map[string]any{"ids": ids})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, decode[map[string]int](t, rec)["updated"])

	rec = do(t, srv, http.MethodGet, "/v1/results", nil)
	require.Zero(t, decode[pull](t, rec).Count)
}

func TestParseSince(t *testing.T) {
	want := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, raw := range []string{
		"2025-03-01T12:00:00Z",
		"2025-03-01T14:00:00+02:00",
		"2025-03-01T12:00:00",
		"1740830400",
		"1740830400.0",
	} {
		got, err := parseSince(raw)
		require.NoError(t, err, raw)
		require.True(t, want.Equal(got), "%s parsed as %s", raw, got)
	}

	got, err := parseSince("2025-03-01")
	require.NoError(t, err)
	require.True(t, want.Add(-12*time.Hour).Equal(got))

	_, err = parseSince("March 1st")
	require.Error(t, err)
	_, err = parseSince("NaN")
	require.Error(t, err)
}

func TestPauseResumeAndHealth(t *testing.T) {
	srv, _, pool := newTestServer(t, testConfig())

	rec := do(t, srv, http.MethodPost, "/v1/workers/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, pool.Paused())

	rec = do(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[healthResponse](t, rec)
	require.Equal(t, healthResponse{Status: "ok", Workers: 4, Paused: true}, health)

	rec = do(t, srv, http.MethodPost, "/v1/workers/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, pool.Paused())

	pool.alive = 0
	rec = do(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "sekret"}
	srv, _, _ := newTestServer(t, cfg)

	rec := do(t, srv, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/jobs?api_key=sekret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = do(t, srv, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
