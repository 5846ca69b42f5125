// Package telemetry exposes the worker's observability surface: Prometheus
// metrics, the recent run history, and a host statistics snapshot over a
// small HTTP API.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/convoy-sh/convoy/internal/journal"
	"github.com/convoy-sh/convoy/pkg/api"
)

// Server serves worker introspection endpoints under /v0 plus the Prometheus
// scrape endpoint at /metrics.
type Server struct {
	Worker  string
	Version string
	Journal *journal.Journal

	// Phase reports the worker's current state for /v0/stats. Optional.
	Phase func() string

	log     zerolog.Logger
	srv     *http.Server
	started time.Time
}

// NewServer builds a telemetry server bound to addr.
func NewServer(addr, worker, version string, j *journal.Journal, log zerolog.Logger) *Server {
	s := &Server{
		Worker:  worker,
		Version: version,
		Journal: j,
		log:     log,
		started: time.Now(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v0/healthz", s.handleHealthz)
	r.Get("/v0/runs", s.handleRuns)
	r.Get("/v0/runs/{taskID}", s.handleRun)
	r.Get("/v0/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/debug", middleware.Profiler())
	return r
}

// ListenAndServe blocks serving requests until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("telemetry server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := api.Health{
		Status:        "ok",
		Worker:        s.Worker,
		Version:       s.Version,
		Time:          time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.Journal != nil {
		if err := s.Journal.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if s.Journal == nil {
		s.writeJSON(w, http.StatusOK, []api.Run{})
		return
	}
	entries, err := s.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list recent runs")
		s.writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	runs := make([]api.Run, 0, len(entries))
	for _, e := range entries {
		runs = append(runs, toRun(e))
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// toRun flattens a journal entry into its public wire form.
func toRun(e journal.Entry) api.Run {
	return api.Run{
		TaskID:   e.TaskID,
		TaskName: e.TaskName,
		Image:    e.Image,
		Command:  e.Command,
		Result: api.RunResult{
			Status:     string(e.Result.Status),
			ExitCode:   e.Result.ExitCode,
			LogKey:     e.Result.LogKey,
			Error:      e.Result.Error,
			Worker:     e.Result.Worker,
			StartedAt:  e.Result.StartedAt,
			FinishedAt: e.Result.FinishedAt,
		},
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if s.Journal == nil {
		s.writeError(w, http.StatusNotFound, "no runs recorded for task "+taskID)
		return
	}
	entry, err := s.Journal.Latest(r.Context(), taskID)
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no runs recorded for task "+taskID)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("look up run")
		s.writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, toRun(entry))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	if s.Journal != nil {
		var err error
		counts, err = s.Journal.CountByStatus(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("count runs by status")
			s.writeError(w, http.StatusInternalServerError, "journal query failed")
			return
		}
	}
	resp := api.Stats{
		Worker:        s.Worker,
		Version:       s.Version,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Tasks:         counts,
		Host:          CollectHostStats(),
	}
	if s.Phase != nil {
		resp.Phase = s.Phase()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("encode telemetry response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
