package httptransport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	derrors "healthex/pkg/domain-errors"
)

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, _ *http.Request) {
	s.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, _ *http.Request) {
	s.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleQueueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queue.Depths(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paused": s.queue.Paused(),
		"depths": depths,
	})
}

type tokenRequest struct {
	Subject string `json:"subject"`
}

// handleIssueToken mints a bearer token for the subject. Development-grade
// issuance; production deployments sit behind the identity provider.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		writeError(w, derrors.New(derrors.CodeBadRequest, "subject is required"))
		return
	}
	token, err := s.auth.IssueToken(req.Subject, time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "Bearer",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.health {
		if err := check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "down",
				"failed": name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
