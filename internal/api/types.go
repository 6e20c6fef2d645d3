package api

import (
	"encoding/json"

	"github.com/ashureev/buildrelay/internal/domain"
)

// HeaderApplicationID carries the application of a streamed exchange so a
// client learns it before the first event arrives.
const HeaderApplicationID = "X-Application-Id"

// ErrorTypeMessageLimit tags responses refused by the daily quota.
const ErrorTypeMessageLimit = "MESSAGE_LIMIT_ERROR"

// SendMessageRequest is the body of POST /message.
type SendMessageRequest struct {
	Message       string          `json:"message"`
	ApplicationID string          `json:"applicationId,omitempty"`
	ClientSource  string          `json:"clientSource"`
	Settings      json.RawMessage `json:"settings,omitempty"`
	Environment   string          `json:"environment,omitempty"`
}

// ErrorResponse is the JSON body of every non-streamed failure.
type ErrorResponse struct {
	Error            string               `json:"error"`
	Status           string               `json:"status"`
	ErrorType        string               `json:"errorType,omitempty"`
	UserMessageLimit *domain.MessageLimit `json:"userMessageLimit,omitempty"`
}
