// Package agent is the client for the upstream code-generation agent.
package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/buildrelay/internal/domain"
)

// Environment selects which agent deployment serves a request.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvStaging    Environment = "staging"
)

// ParseEnvironment validates an environment name. Empty means production.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case "", EnvProduction:
		return EnvProduction, nil
	case EnvStaging:
		return EnvStaging, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// DefaultSettings are sent when the client provides none.
var DefaultSettings = json.RawMessage(`{"max-iterations":3}`)

// MessageRequest is the body posted to {agentHost}/message. The agent keeps no
// session: the full history and the last agent state travel with every call.
type MessageRequest struct {
	ApplicationID string                       `json:"applicationId"`
	AllMessages   []domain.ConversationMessage `json:"allMessages"`
	TraceID       string                       `json:"traceId"`
	Settings      json.RawMessage              `json:"settings"`
	AgentState    json.RawMessage              `json:"agentState,omitempty"`
	Environment   Environment                  `json:"-"`
}

// Config holds agent client configuration.
type Config struct {
	Host        string
	StagingHost string
	APISecret   string
	// ResponseHeaderTimeout bounds the wait for the upstream status line.
	ResponseHeaderTimeout time.Duration
	// MaxErrorBodyBytes caps how much of a non-2xx body is read.
	MaxErrorBodyBytes int64
}

// DefaultConfig returns default agent client configuration.
func DefaultConfig() Config {
	return Config{
		ResponseHeaderTimeout: 60 * time.Second,
		MaxErrorBodyBytes:     64 << 10,
	}
}
