// Package api provides HTTP handlers for the build relay.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/buildrelay/internal/agent"
	"github.com/ashureev/buildrelay/internal/quota"
	"github.com/ashureev/buildrelay/internal/relay"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message, Status: "error"})
}

// errorStatus maps a relay failure onto a response. It reports the status and
// the body to send.
func errorStatus(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error(), Status: "error"}

	var limitErr *relay.LimitError
	var upErr *agent.UpstreamError
	switch {
	case errors.As(err, &limitErr):
		limit := limitErr.Limit
		body.Error = relay.ErrLimitReached.Error()
		body.ErrorType = ErrorTypeMessageLimit
		body.UserMessageLimit = &limit
		return http.StatusTooManyRequests, body
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest, body
	case errors.As(err, &upErr):
		body.Error = upErr.Message
		status := upErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return status, body
	default:
		body.Error = "internal server error"
		return http.StatusInternalServerError, body
	}
}

// writeRelayError logs err and writes the mapped response.
func writeRelayError(w http.ResponseWriter, logger *slog.Logger, err error, attrs ...any) {
	status, body := errorStatus(err)
	if body.UserMessageLimit != nil {
		quota.WriteHeaders(w.Header(), *body.UserMessageLimit)
	}
	attrs = append(attrs, "status", status, "error", err)
	if status >= http.StatusInternalServerError {
		logger.Error("message request failed", attrs...)
	} else {
		logger.Warn("message request rejected", attrs...)
	}
	JSON(w, status, body)
}
