package httptransport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"healthex/internal/jobs"
	"healthex/internal/queue"
	"healthex/internal/request"
	"healthex/pkg/domain"
	derrors "healthex/pkg/domain-errors"
)

type createRequestRequest struct {
	CompanyID           string                 `json:"company_id"`
	Purpose             string                 `json:"purpose"`
	Filter              request.FilterCriteria `json:"filter_criteria"`
	MaxRecords          int                    `json:"max_records"`
	PricePerRecordCents int64                  `json:"price_per_record_cents"`
	ExpiresAt           time.Time              `json:"expires_at"`
}

type requestResponse struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	MatchJobID string    `json:"match_job_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// handleCreateRequest validates and persists a data request, then queues
// the matching run.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "malformed request body"))
		return
	}
	companyID, err := domain.ParseCompanyID(req.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	now := s.now()
	dr := &request.DataRequest{
		ID:                  domain.NewRequestID(),
		CompanyID:           companyID,
		Purpose:             domain.Purpose(req.Purpose),
		Filter:              req.Filter,
		Status:              request.StatusActive,
		MaxRecords:          req.MaxRecords,
		PricePerRecordCents: req.PricePerRecordCents,
		CreatedAt:           now,
		ExpiresAt:           req.ExpiresAt,
	}
	dr.Filter.Normalize()
	if err := dr.Validate(now); err != nil {
		writeError(w, err)
		return
	}
	if err := s.requests.Save(r.Context(), dr); err != nil {
		writeError(w, err)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Type:     queue.TypeMatch,
		EntityID: dr.ID.String(),
		Priority: queue.PriorityMedium,
		Payload:  jobs.MatchPayload{RequestID: dr.ID},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RequestsCreated.Inc()
	}
	writeJSON(w, http.StatusAccepted, requestResponse{
		ID:         dr.ID.String(),
		Status:     string(dr.Status),
		MatchJobID: job.ID,
		ExpiresAt:  dr.ExpiresAt,
	})
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	matches, err := s.matches.ListByRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}
