package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// UpstreamError is a failure reported by, or on the way to, the agent before
// any streaming began.
type UpstreamError struct {
	// StatusCode is the agent's status, or 502 when it could not be reached.
	StatusCode int
	Message    string
	// Body is the agent's JSON error body, when it sent one.
	Body json.RawMessage
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent upstream %d: %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("agent upstream %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func unreachable(err error) *UpstreamError {
	return &UpstreamError{
		StatusCode: http.StatusBadGateway,
		Message:    "agent unreachable",
		Err:        err,
	}
}
