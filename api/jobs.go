package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/franksops/fileops/engine"
	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/logging"
	"github.com/franksops/fileops/store"
)

type submitResponse struct {
	OK        bool                 `json:"ok"`
	JobID     string               `json:"job_id,omitempty"`
	Job       *jobs.Snapshot       `json:"job,omitempty"`
	DryRun    bool                 `json:"dry_run,omitempty"`
	Sources   []engine.SourceEntry `json:"sources,omitempty"`
	Conflicts []engine.Conflict    `json:"conflicts,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch res.Outcome {
	case engine.OutcomeDryRun:
		writeJSON(w, http.StatusOK, submitResponse{
			OK:        true,
			DryRun:    true,
			Sources:   res.Operation.Sources,
			Conflicts: res.Conflicts,
		})
	case engine.OutcomeNeedsDecision:
		writeJSON(w, http.StatusConflict, submitResponse{
			OK:        false,
			Error:     codeConflicts,
			Conflicts: res.Conflicts,
		})
	default:
		snap := res.Job.Snapshot()
		logging.WithContext(r.Context(), s.log).Info("job submitted",
			zap.String("job_id", snap.ID), zap.String("label", snap.Label))
		writeJSON(w, http.StatusAccepted, submitResponse{OK: true, JobID: snap.ID, Job: &snap})
	}
}

func parseLimit(r *http.Request) int {
	limit := defaultListLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, maxListLimit)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobs": s.jobs.List(parseLimit(r))})
}

// handleGetJob serves live jobs first and falls back to the history.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if j, ok := s.jobs.Get(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": j.Snapshot()})
		return
	}
	if s.history != nil {
		snap, err := s.history.GetJob(id)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": snap})
			return
		}
		if !errors.Is(err, store.ErrJobNotFound) {
			s.fail(w, r, err)
			return
		}
	}
	s.fail(w, r, jobs.ErrJobNotFound)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobs.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": snap})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, codeHistoryDisabled, "job history is not configured")
		return
	}
	snaps, err := s.history.ListJobs(parseLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobs": snaps})
}

func (s *Server) handleGetWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "workers": s.jobs.Workers(), "busy": s.jobs.Busy()})
}

func (s *Server) handleSetWorkers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Workers int `json:"workers"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Workers < 1 || body.Workers > 64 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "workers must be between 1 and 64")
		return
	}
	s.jobs.SetWorkers(body.Workers)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "workers": s.jobs.Workers()})
}
