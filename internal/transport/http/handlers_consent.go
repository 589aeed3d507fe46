package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"healthex/internal/compliance"
	"healthex/internal/consent"
	consentService "healthex/internal/consent/service"
	"healthex/pkg/domain"
	derrors "healthex/pkg/domain-errors"
)

// grantConsentRequest is the wire form of a consent grant.
type grantConsentRequest struct {
	UserID        string             `json:"user_id"`
	CompanyID     string             `json:"company_id"`
	RequestID     string             `json:"request_id"`
	ResourceTypes []string           `json:"resource_types"`
	AccessLevel   string             `json:"access_level"`
	Purpose       string             `json:"purpose"`
	DataElements  []string           `json:"data_elements,omitempty"`
	ValidFrom     time.Time          `json:"valid_from"`
	ValidTo       time.Time          `json:"valid_to"`
	Compliance    compliance.Profile `json:"compliance_profile"`
}

type consentResponse struct {
	ID            string                 `json:"id"`
	Status        string                 `json:"status"`
	UserID        string                 `json:"user_id"`
	CompanyID     string                 `json:"company_id"`
	RequestID     string                 `json:"request_id"`
	ValidFrom     time.Time              `json:"valid_from"`
	ValidTo       time.Time              `json:"valid_to"`
	BlockchainRef string                 `json:"blockchain_ref,omitempty"`
	Compliance    consent.ComplianceInfo `json:"compliance"`
}

func toConsentResponse(c *consent.Consent) consentResponse {
	return consentResponse{
		ID:            c.ID.String(),
		Status:        string(c.Status),
		UserID:        c.UserID.String(),
		CompanyID:     c.CompanyID.String(),
		RequestID:     c.RequestID.String(),
		ValidFrom:     c.ValidFrom,
		ValidTo:       c.ValidTo,
		BlockchainRef: c.BlockchainRef,
		Compliance:    c.Compliance,
	}
}

func (s *Server) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	var req grantConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "malformed request body"))
		return
	}

	// id parsing happens at the boundary; the service never sees raw strings
	userID, err := domain.ParseUserID(req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	companyID, err := domain.ParseCompanyID(req.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}
	requestID, err := domain.ParseRequestID(req.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}

	grant := consentService.GrantRequest{
		UserID:    userID,
		CompanyID: companyID,
		RequestID: requestID,
		Permissions: consent.Permissions{
			ResourceTypes: req.ResourceTypes,
			AccessLevel:   domain.AccessLevel(req.AccessLevel),
			Purpose:       domain.Purpose(req.Purpose),
			DataElements:  req.DataElements,
		},
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
		Profile:   req.Compliance,
	}
	c, err := s.consents.Grant(r.Context(), grant, Subject(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toConsentResponse(c))
}

func (s *Server) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseConsentID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.consents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsentResponse(c))
}

func (s *Server) handleListConsents(w http.ResponseWriter, r *http.Request) {
	userID, err := domain.ParseUserID(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := s.consents.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]consentResponse, 0, len(list))
	for _, c := range list {
		out = append(out, toConsentResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": out})
}

func (s *Server) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseConsentID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.consents.Revoke(r.Context(), id, Subject(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsentResponse(c))
}

func (s *Server) handleVerifyConsent(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseConsentID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.consents.VerifyAnchor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSuspendConsent(w http.ResponseWriter, r *http.Request) {
	s.handleConsentUpdate(w, r, s.consents.Suspend)
}

func (s *Server) handleResumeConsent(w http.ResponseWriter, r *http.Request) {
	s.handleConsentUpdate(w, r, s.consents.Resume)
}

func (s *Server) handleConsentUpdate(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, id domain.ConsentID, actor string) error) {
	id, err := domain.ParseConsentID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := apply(r.Context(), id, Subject(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
