package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
	// RequestID echoes X-Request-ID so callers can quote it
	RequestID string `json:"requestId,omitempty"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
		RequestID: w.Header().Get(requestIDHeader),
	})
}

// respondErr maps err onto its category's status and envelope. Causes of
// system and database failures are logged, never echoed.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	ce := apperrors.Categorize(err)
	if ce.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		if ce.Category == apperrors.CategorySystem || ce.Category == apperrors.CategoryDatabase {
			respondError(w, r, ce.StatusCode, ErrCodeInternalError, "An internal error occurred", nil)
			return
		}
	}
	respondError(w, r, ce.StatusCode, ce.Code, ce.Message, ce.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// maxBodyBytes bounds trigger request bodies
const maxBodyBytes = 64 << 10

// parseJSONBody parses a bounded JSON request body.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMIT_EXCEEDED"
)
