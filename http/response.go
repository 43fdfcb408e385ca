package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stashgate/stashgate"
)

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ResetAtMs int64  `json:"resetAtMs,omitempty"`
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// HandleError writes the appropriate error response based on error type
func HandleError(w http.ResponseWriter, err error) {
	slog.Error("request error", "error", err)

	var rateErr *stashgate.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfter(time.Now())))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		if encErr := json.NewEncoder(w).Encode(ErrorResponse{
			Error:     "rate_limited",
			Message:   "Too many requests, slow down",
			ResetAtMs: rateErr.ResetAtMs,
		}); encErr != nil {
			slog.Error("failed to encode error response", "error", encErr)
		}
		return
	}

	switch {
	case errors.Is(err, stashgate.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, "invalid_input", "Invalid request")
	case errors.Is(err, stashgate.ErrUnauthorized):
		WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
	case errors.Is(err, stashgate.ErrForbidden):
		WriteError(w, http.StatusForbidden, "forbidden", "Access denied")
	case errors.Is(err, stashgate.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "Not found")
	case errors.Is(err, stashgate.ErrRateLimited):
		WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests, slow down")
	case errors.Is(err, stashgate.ErrUploadFailed):
		WriteError(w, http.StatusBadGateway, "upstream_error", "Object store request failed")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, code int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}
