package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/logging"
	"github.com/portfolio-briefing/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondServiceError maps a service error to its HTTP status and envelope.
// Internal causes are logged, never returned to the client.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatusCode(err)
	catErr := apperrors.Categorize(err)
	if apperrors.IsSystemError(err) {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   catErr.Code,
		}).Error("Request failed")
	}

	if catErr.Code == apperrors.CodeInternal {
		respondError(w, status, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}

	svcErr := catErr.ToServiceError()
	respondError(w, status, svcErr.Code, svcErr.Message, svcErr.Details)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)
