package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/BadgerOps/mirrorrank/internal/store"
)

const defaultListLimit = 20

// RunDetail is the response from GET /api/runs/{id}.
type RunDetail struct {
	Run    *store.Run          `json:"run"`
	Scores []store.MirrorScore `json:"scores"`
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	s.writeJSON(w, runs)
}

// handleAPIRun returns one run with its scores. The id is either the
// numeric row id or the run UUID.
func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}

	id := r.PathValue("id")
	var (
		run *store.Run
		err error
	)
	if n, convErr := strconv.ParseInt(id, 10, 64); convErr == nil {
		run, err = s.store.GetRun(n)
	} else {
		run, err = s.store.GetRunByUUID(id)
	}
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "id", id, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	scores, err := s.store.ListScores(run.ID)
	if err != nil {
		s.logger.Error("failed to list scores", "run", run.UUID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list scores")
		return
	}
	if scores == nil {
		scores = []store.MirrorScore{}
	}
	s.writeJSON(w, RunDetail{Run: run, Scores: scores})
}

// handleAPIBackups lists backups of the configured mirrorlist.
func (s *Server) handleAPIBackups(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	backups, err := mirrorlist.ListBackups(s.config.Output.Target, mirrorlist.OSFS{}, limit)
	if err != nil {
		s.logger.Error("failed to list backups", "target", s.config.Output.Target, "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if backups == nil {
		backups = []mirrorlist.Backup{}
	}
	s.writeJSON(w, backups)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 1 {
		jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}
