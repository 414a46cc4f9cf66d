package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tubeaudio/internal/events"
	"github.com/mattjoyce/tubeaudio/internal/janitor"
	"github.com/mattjoyce/tubeaudio/internal/jobs"
	"github.com/mattjoyce/tubeaudio/internal/offload"
)

const testKey = "test-key"

type fakeProducer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, ref string) (jobs.Artifact, error)
}

func (f *fakeProducer) Produce(ctx context.Context, ref string) (jobs.Artifact, error) {
	f.calls.Add(1)
	return f.fn(ctx, ref)
}

type fakeJanitor struct {
	report   janitor.Report
	purge    janitor.PurgeResult
	purgeErr error
	hasLast  bool
}

func (f *fakeJanitor) Sweep(context.Context) janitor.Report { return f.report }

func (f *fakeJanitor) Purge(context.Context) (janitor.PurgeResult, error) {
	return f.purge, f.purgeErr
}

func (f *fakeJanitor) Last() (janitor.Report, bool) { return f.report, f.hasLast }

type fakeWorkers struct{ inFlight, size int }

func (f fakeWorkers) InFlight() int { return f.inFlight }
func (f fakeWorkers) Size() int     { return f.size }

func newTestServer(t *testing.T, cfg Config, p Producer, j Janitor) (*Server, *events.Hub) {
	t.Helper()
	if p == nil {
		p = &fakeProducer{fn: func(context.Context, string) (jobs.Artifact, error) {
			t.Fatal("producer should not be called")
			return jobs.Artifact{}, nil
		}}
	}
	if j == nil {
		j = &fakeJanitor{}
	}
	hub := events.NewHub(16)
	return New(cfg, p, j, fakeWorkers{inFlight: 1, size: 4}, hub, nil), hub
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestRoot(t *testing.T) {
	s, _ := newTestServer(t, Config{Version: "1.2.3"}, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RootResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tubeaudio", resp.App)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, resp.Docs)
}

func TestHealthz(t *testing.T) {
	sweptAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := &fakeJanitor{hasLast: true, report: janitor.Report{RunID: "run-1", StartedAt: sweptAt}}
	s, _ := newTestServer(t, Config{NamespaceRoot: "/srv/temp"}, nil, j)

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.JobsInFlight)
	assert.Equal(t, 4, resp.WorkerSlots)
	assert.Equal(t, "/srv/temp", resp.NamespaceRoot)
	require.NotNil(t, resp.LastSweepAt)
	assert.True(t, sweptAt.Equal(*resp.LastSweepAt))
	assert.Equal(t, "run-1", resp.LastSweepRun)
}

func TestDownloadStreamsArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Never Gonna Give You Up.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3-audio-bytes"), 0o644))

	var gotRef string
	p := &fakeProducer{fn: func(_ context.Context, ref string) (jobs.Artifact, error) {
		gotRef = ref
		return jobs.Artifact{JobID: "1700000000000_0a1b2c3d", Dir: dir, Path: path, Name: filepath.Base(path)}, nil
	}}
	s, _ := newTestServer(t, Config{}, p, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/download", `{"url":"https://youtu.be/dQw4w9WgXcQ"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", gotRef)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Never Gonna Give You Up.mp3"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "1700000000000_0a1b2c3d", rec.Header().Get("X-Job-ID"))
	assert.Equal(t, "ID3-audio-bytes", rec.Body.String())
	assert.FileExists(t, path, "handler must leave the artifact for the janitor")
}

func TestDownloadRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{"url":`, http.StatusUnprocessableEntity},
		{"missing url", `{}`, http.StatusUnprocessableEntity},
		{"empty url", `{"url":"  "}`, http.StatusUnprocessableEntity},
		{"not a url", `{"url":"not-a-url"}`, http.StatusUnprocessableEntity},
		{"not youtube", `{"url":"https://vimeo.com/123456"}`, http.StatusBadRequest},
		{"lookalike host", `{"url":"https://youtube.com.evil.example/watch?v=x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, Config{}, nil, nil)
			rec := do(t, s.Handler(), http.MethodPost, "/api/download", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec))
		})
	}
}

func TestDownloadErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		contains string
	}{
		{"storage", &jobs.Error{Kind: jobs.ErrStorageUnavailable, JobID: "1_a", Err: os.ErrPermission}, http.StatusServiceUnavailable, "storage"},
		{"fetch", &jobs.Error{Kind: jobs.ErrExternalFetchFailed, JobID: "1_a", Err: errors.New("Video unavailable")}, http.StatusBadGateway, "Video unavailable"},
		{"artifact", &jobs.Error{Kind: jobs.ErrArtifactMissing, JobID: "1_a"}, http.StatusInternalServerError, "no audio"},
		{"shutting down", &jobs.Error{Kind: jobs.ErrStorageUnavailable, JobID: "1_a", Err: offload.ErrClosed}, http.StatusServiceUnavailable, "shutting down"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, "cancelled"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProducer{fn: func(context.Context, string) (jobs.Artifact, error) {
				return jobs.Artifact{}, tt.err
			}}
			s, _ := newTestServer(t, Config{}, p, nil)
			rec := do(t, s.Handler(), http.MethodPost, "/api/download", `{"url":"https://www.youtube.com/watch?v=x"}`, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, decodeError(t, rec), tt.contains)
		})
	}
}

func TestDownloadArtifactRemovedBeforeStreaming(t *testing.T) {
	p := &fakeProducer{fn: func(context.Context, string) (jobs.Artifact, error) {
		return jobs.Artifact{JobID: "1_a", Path: filepath.Join(t.TempDir(), "gone.mp3"), Name: "gone.mp3"}, nil
	}}
	s, _ := newTestServer(t, Config{}, p, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/api/download", `{"url":"https://youtu.be/x"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Config{RequestsPerSecond: 0.001, Burst: 1}, nil, nil)
	h := s.Handler()

	first := do(t, h, http.MethodPost, "/api/download", `{}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, first.Code)

	second := do(t, h, http.MethodPost, "/api/download", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// Unlimited routes are unaffected.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", nil).Code)
}

func TestAdminRequiresKey(t *testing.T) {
	t.Run("no key configured", func(t *testing.T) {
		s, _ := newTestServer(t, Config{}, nil, nil)
		rec := do(t, s.Handler(), http.MethodPost, "/admin/sweep", "", map[string]string{"Authorization": "Bearer anything"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		s, _ := newTestServer(t, Config{APIKey: testKey}, nil, nil)
		rec := do(t, s.Handler(), http.MethodPost, "/admin/purge", "", map[string]string{"Authorization": "Bearer nope"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid API key", decodeError(t, rec))
	})

	t.Run("missing header", func(t *testing.T) {
		s, _ := newTestServer(t, Config{APIKey: testKey}, nil, nil)
		rec := do(t, s.Handler(), http.MethodGet, "/events", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAdminSweep(t *testing.T) {
	j := &fakeJanitor{report: janitor.Report{
		RunID:   "run-7",
		Scanned: 2,
		Deleted: []janitor.Removed{{JobID: "1_aaaaaaaa"}},
		Failed:  []janitor.Failure{},
	}}
	s, _ := newTestServer(t, Config{APIKey: testKey}, nil, j)

	rec := do(t, s.Handler(), http.MethodPost, "/admin/sweep", "", map[string]string{"Authorization": "Bearer " + testKey})
	require.Equal(t, http.StatusOK, rec.Code)

	var report janitor.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "run-7", report.RunID)
	assert.Len(t, report.Deleted, 1)
}

func TestAdminPurge(t *testing.T) {
	auth := map[string]string{"Authorization": "Bearer " + testKey}

	ok := &fakeJanitor{purge: janitor.PurgeResult{RunID: "p1", Removed: 3}}
	s, _ := newTestServer(t, Config{APIKey: testKey}, nil, ok)
	rec := do(t, s.Handler(), http.MethodPost, "/admin/purge", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"run_id":"p1","removed":3}`, rec.Body.String())

	failing := &fakeJanitor{
		purge:    janitor.PurgeResult{RunID: "p2", Error: "remove namespace root: busy"},
		purgeErr: errors.New("remove namespace root: busy"),
	}
	s, _ = newTestServer(t, Config{APIKey: testKey}, nil, failing)
	rec = do(t, s.Handler(), http.MethodPost, "/admin/purge", "", auth)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeError(t, rec), "busy")
}

func TestEventsStream(t *testing.T) {
	s, hub := newTestServer(t, Config{APIKey: testKey}, nil, nil)
	hub.Publish(events.JobStarted, map[string]string{"job_id": "1_aaaaaaaa"})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() map[string]string {
		fields := map[string]string{}
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return fields
			}
			k, v, _ := strings.Cut(line, ": ")
			fields[k] = v
		}
	}

	replayed := readEvent()
	assert.Equal(t, "1", replayed["id"])
	assert.Equal(t, events.JobStarted, replayed["event"])
	assert.JSONEq(t, `{"job_id":"1_aaaaaaaa"}`, replayed["data"])

	hub.Publish(events.JanitorSwept, map[string]int{"scanned": 0})
	live := readEvent()
	assert.Equal(t, "2", live["id"])
	assert.Equal(t, events.JanitorSwept, live["event"])

	cancel()
	_, _ = io.Copy(io.Discard, resp.Body)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
