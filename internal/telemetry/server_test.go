package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoy-sh/convoy/internal/journal"
	"github.com/convoy-sh/convoy/internal/model"
	"github.com/convoy-sh/convoy/pkg/api"
)

func newTestServer(t *testing.T) (*Server, *journal.Journal) {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return NewServer("127.0.0.1:0", "sisyphus-0", "1.2.3", j, zerolog.Nop()), j
}

func recordRun(t *testing.T, j *journal.Journal, id string, status model.Status, started time.Time) {
	t.Helper()
	task := model.Task{
		ID:             id,
		Name:           id,
		Image:          "alpine",
		Command:        "true",
		InternalPrefix: "/internal",
		StorePrefix:    "mem://test/ws",
	}
	res := model.TaskResult{
		Status:     status,
		Worker:     "sisyphus-0",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}
	if status != model.StatusSuccess {
		res.ExitCode = 1
		res.Error = "exit code 1"
	}
	if err := j.Record(context.Background(), task, res); err != nil {
		t.Fatalf("record run: %v", err)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/v0/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("health status = %q, want ok", resp.Status)
	}
	if resp.Worker != "sisyphus-0" || resp.Version != "1.2.3" {
		t.Fatalf("identity = %q %q", resp.Worker, resp.Version)
	}
}

func TestRunsEndpoint(t *testing.T) {
	s, j := newTestServer(t)
	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	recordRun(t, j, "t-1", model.StatusSuccess, base)
	recordRun(t, j, "t-2", model.StatusFailure, base.Add(time.Hour))
	recordRun(t, j, "t-3", model.StatusSuccess, base.Add(2*time.Hour))

	rec := get(t, s.Handler(), "/v0/runs?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var runs []api.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].TaskID != "t-3" || runs[1].TaskID != "t-2" {
		t.Fatalf("order = %s %s, want t-3 t-2", runs[0].TaskID, runs[1].TaskID)
	}

	if rec := get(t, s.Handler(), "/v0/runs?limit=zero"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestRunsEndpointEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/v0/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("body = %q, want empty array", got)
	}
}

func TestRunEndpoint(t *testing.T) {
	s, j := newTestServer(t)
	started := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	recordRun(t, j, "t-9", model.StatusTimeout, started)

	rec := get(t, s.Handler(), "/v0/runs/t-9")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var run api.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if run.TaskID != "t-9" || run.Result.Status != string(model.StatusTimeout) {
		t.Fatalf("run = %+v", run)
	}

	if rec := get(t, s.Handler(), "/v0/runs/ghost"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status = %d, want 404", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, j := newTestServer(t)
	s.Phase = func() string { return "IDLE" }
	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	recordRun(t, j, "t-1", model.StatusSuccess, base)
	recordRun(t, j, "t-2", model.StatusSuccess, base.Add(time.Hour))
	recordRun(t, j, "t-3", model.StatusFailure, base.Add(2*time.Hour))

	rec := get(t, s.Handler(), "/v0/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Phase != "IDLE" {
		t.Fatalf("phase = %q, want IDLE", resp.Phase)
	}
	if resp.Tasks["SUCCESS"] != 2 || resp.Tasks["FAILURE"] != 1 {
		t.Fatalf("task counts = %v", resp.Tasks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	TasksTotal.WithLabelValues(string(model.StatusSuccess)).Inc()

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "convoy_tasks_total") {
		t.Fatalf("scrape output missing task counter")
	}
}
