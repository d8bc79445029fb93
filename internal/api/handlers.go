package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/stagehand/internal/dispatch"
	"github.com/mattjoyce/stagehand/internal/report"
	"github.com/mattjoyce/stagehand/internal/runstore"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueuedRuns:    s.runs.Depth(),
	}
	if s.pool != nil {
		resp.HostsTotal = s.pool.Size()
		resp.HostsBusy = s.pool.Busy()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmitRun handles POST /runs. With ?wait=true the response is the
// finished run report instead of the queued ticket.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Branch = strings.TrimSpace(req.Branch)

	ticket, ok := s.submit(w, dispatch.Trigger{Branch: req.Branch, Changes: req.ChangedFiles, Source: "api"})
	if !ok {
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		respondJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: ticket.RunID, Status: "queued"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.MaxWait)
	defer cancel()
	res, err := ticket.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			respondJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: ticket.RunID, Status: "running"})
			return
		}
		s.logger.Error("run failed", "run_id", ticket.RunID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "run failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report.Summarize(res))
}

func (s *Server) submit(w http.ResponseWriter, tr dispatch.Trigger) (*dispatch.Ticket, bool) {
	ticket, err := s.runs.Submit(tr)
	switch {
	case errors.Is(err, dispatch.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
		return nil, false
	case errors.Is(err, dispatch.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	case err != nil:
		s.logger.Error("failed to queue run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to queue run")
		return nil, false
	}
	return ticket, true
}

// handleListRuns handles GET /runs?branch=&limit=
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := runstore.ListFilter{Branch: r.URL.Query().Get("branch")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []runstore.Summary{}
	}
	respondJSON(w, http.StatusOK, RunListResponse{Runs: runs})
}

// handleGetRun handles GET /runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	res, err := s.store.Get(r.Context(), runID)
	if errors.Is(err, runstore.ErrRunNotFound) {
		if s.runs.Pending(runID) {
			respondJSON(w, http.StatusOK, SubmitRunResponse{RunID: runID, Status: "queued"})
			return
		}
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	respondJSON(w, http.StatusOK, report.Summarize(res))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
