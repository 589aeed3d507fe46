package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	derrors "healthex/pkg/domain-errors"
	"healthex/pkg/platform/sentinel"
)

// errorResponse is the JSON error envelope. Validation errors carry every
// violated rule; compliance errors carry the computed score.
type errorResponse struct {
	Error      string              `json:"error"`
	Message    string              `json:"message,omitempty"`
	Violations []derrors.Violation `json:"violations,omitempty"`
	Score      *float64            `json:"score,omitempty"`
	SubScores  *derrors.SubScores  `json:"sub_scores,omitempty"`
}

// writeError translates domain errors to HTTP responses. All handlers go
// through here so the error envelope stays consistent.
func writeError(w http.ResponseWriter, err error) {
	var derr *derrors.Error
	if errors.As(err, &derr) {
		resp := errorResponse{
			Error:      derr.Code.String(),
			Message:    derr.Message,
			Violations: derr.Violations,
		}
		if derr.Code == derrors.CodeCompliance {
			resp.Score = &derr.Score
			resp.SubScores = derr.SubScores
		}
		writeJSON(w, statusFor(derr.Code), resp)
		return
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
	case errors.Is(err, sentinel.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict"})
	case errors.Is(err, sentinel.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
	}
}

func statusFor(code derrors.Code) int {
	switch code {
	case derrors.CodeValidation, derrors.CodeBadRequest:
		return http.StatusBadRequest
	case derrors.CodeCompliance:
		return http.StatusUnprocessableEntity
	case derrors.CodeNotFound:
		return http.StatusNotFound
	case derrors.CodeConflict:
		return http.StatusConflict
	case derrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case derrors.CodeCircuitOpen, derrors.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
