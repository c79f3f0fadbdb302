package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleJobStatus returns the polling read model for one job. Result is
// populated only for completed jobs, failure_reason only for failed ones.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.queue.Status(id)
	if err != nil {
		s.logger.Error("failed to load job status", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job status")
		return
	}
	if st == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}
