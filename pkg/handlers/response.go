package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

// maxBodyBytes bounds JSON request bodies. STIX bundles use their own limit.
const maxBodyBytes = 32 << 20

// ScopeMiddleware installs a database scope for the request.
type ScopeMiddleware func(http.HandlerFunc) http.HandlerFunc

// ApiResponse wraps data in the format expected by API clients.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// writeOK writes data wrapped in a successful ApiResponse.
func writeOK(w http.ResponseWriter, logger *zap.Logger, data any) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

// writeError writes an error response, logging encoding failures.
func writeError(w http.ResponseWriter, logger *zap.Logger, statusCode int, errorCode, message string) {
	if err := ErrorResponse(w, statusCode, errorCode, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// writeServiceError maps a service error onto an HTTP status. Unexpected
// errors are logged with op and reported as internal errors.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, logger, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, apperrors.ErrMalformedRecord):
		writeError(w, logger, http.StatusBadRequest, "malformed_record", err.Error())
	case errors.Is(err, apperrors.ErrUnknownSource):
		writeError(w, logger, http.StatusBadRequest, "unknown_source", err.Error())
	case errors.Is(err, services.ErrInvalidCursor):
		writeError(w, logger, http.StatusBadRequest, "invalid_cursor", err.Error())
	case errors.Is(err, apperrors.ErrMergeConflict):
		writeError(w, logger, http.StatusConflict, "merge_conflict", err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		writeError(w, logger, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, apperrors.ErrRetryableResolution):
		writeError(w, logger, http.StatusServiceUnavailable, "retryable", err.Error())
	default:
		logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		writeError(w, logger, http.StatusInternalServerError, op+"_failed", "internal error")
	}
}

// decodeJSON decodes a bounded request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, logger *zap.Logger, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, logger, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
