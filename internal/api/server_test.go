package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/scheduler"
)

type fakeReports struct {
	report *scheduler.Report
}

func (f fakeReports) Last() (scheduler.Report, bool) {
	if f.report == nil {
		return scheduler.Report{}, false
	}
	return *f.report, true
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s := NewServer(fakeReports{}, nil, nil, zap.NewNop())
	rec := serve(t, s, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ok := NewServer(fakeReports{}, func(context.Context) error { return nil }, nil, zap.NewNop())
	require.Equal(t, http.StatusOK, serve(t, ok, "/readyz").Code)

	down := NewServer(fakeReports{}, func(context.Context) error { return errors.New("db unreachable") }, nil, zap.NewNop())
	rec := serve(t, down, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db unreachable")
}

func TestServer_LastRun(t *testing.T) {
	t.Parallel()

	empty := NewServer(fakeReports{}, nil, nil, zap.NewNop())
	require.Equal(t, http.StatusNotFound, serve(t, empty, "/v1/runs/last").Code)

	report := scheduler.Report{
		Phase:    "discover",
		RunID:    "run-1",
		Items:    3,
		Batches:  1,
		Chunks:   1,
		Stats:    crawler.Stats{Processed: 3, New: 2, Updated: 1},
		Duration: 1500 * time.Millisecond,
	}
	s := NewServer(fakeReports{report: &report}, nil, nil, zap.NewNop())
	rec := serve(t, s, "/v1/runs/last")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Phase           string        `json:"phase"`
		RunID           string        `json:"run_id"`
		Stats           crawler.Stats `json:"stats"`
		DurationSeconds float64       `json:"duration_seconds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "discover", body.Phase)
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, 2, body.Stats.New)
	assert.InDelta(t, 1.5, body.DurationSeconds, 1e-9)
}

func TestServer_PhasesAndMetrics(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, []string{"discover", "enrich", "relations"}, zap.NewNop())
	rec := serve(t, s, "/v1/phases")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"phases":["discover","enrich","relations"]}`, rec.Body.String())

	serve(t, s, "/healthz")
	rec = serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "legalcrawl_http_requests_total")
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, zap.NewNop())
	s.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := serve(t, s, "/boom")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, addr, NewServer(nil, nil, nil, zap.NewNop()).Handler(), zap.NewNop())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
