// Package domain contains core domain types for the build relay.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageKind tags an agent event (and the assistant messages extracted from it).
type MessageKind string

const (
	KindStageResult       MessageKind = "StageResult"
	KindRuntimeError      MessageKind = "RuntimeError"
	KindRefinementRequest MessageKind = "RefinementRequest"
	KindFinalResult       MessageKind = "FinalResult"
	KindPlatformMessage   MessageKind = "PlatformMessage"
	KindUserMessage       MessageKind = "UserMessage"
	// KindKeepAlive events only hold the upstream connection open.
	KindKeepAlive MessageKind = "KeepAlive"
)

// AgentStatus reports whether the agent is still working on an exchange.
type AgentStatus string

const (
	StatusRunning AgentStatus = "running"
	StatusIdle    AgentStatus = "idle"
	// StatusHistory marks events rebuilt from logged prompts.
	StatusHistory AgentStatus = "history"
)

// PlatformMessageType classifies platform messages via metadata.type.
type PlatformMessageType string

const (
	PlatformRepoCreated        PlatformMessageType = "repo_created"
	PlatformCommitCreated      PlatformMessageType = "commit_created"
	PlatformDeploymentComplete PlatformMessageType = "deployment_complete"
)

// ConversationMessage is one flattened, role-tagged entry of a conversation history.
type ConversationMessage struct {
	Role    Role        `json:"role"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind,omitempty"`
}

// ContentBlock is one typed block inside a turn produced by the agent.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ContentTurn is one role-tagged element of the serialized message.content array.
type ContentTurn struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// EventMetadata carries the optional metadata of an event message.
type EventMetadata struct {
	Type PlatformMessageType `json:"type,omitempty"`
}

// AgentMessage is the message body of an AgentEvent. AgentState and the
// pass-through fields are never interpreted by the relay.
type AgentMessage struct {
	Role          Role                  `json:"role,omitempty"`
	Kind          MessageKind           `json:"kind"`
	Content       string                `json:"content,omitempty"`
	Messages      []ConversationMessage `json:"messages,omitempty"`
	AgentState    json.RawMessage       `json:"agentState,omitempty"`
	Metadata      *EventMetadata        `json:"metadata,omitempty"`
	UnifiedDiff   *string               `json:"unifiedDiff,omitempty"`
	AppName       string                `json:"app_name,omitempty"`
	CommitMessage string                `json:"commit_message,omitempty"`
}

// AgentEvent is one unit streamed by the agent.
type AgentEvent struct {
	Status  AgentStatus  `json:"status"`
	TraceID string       `json:"traceId,omitempty"`
	Message AgentMessage `json:"message"`
}

// ParseAgentEvent decodes one framed payload into an AgentEvent.
func ParseAgentEvent(data []byte) (AgentEvent, error) {
	var ev AgentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return AgentEvent{}, fmt.Errorf("decode agent event: %w", err)
	}
	if ev.Message.Kind == "" {
		return AgentEvent{}, fmt.Errorf("decode agent event: missing message kind")
	}
	return ev, nil
}

// IsPlatformMessage reports whether the event is a platform message.
func (e AgentEvent) IsPlatformMessage() bool {
	return e.Message.Kind == KindPlatformMessage
}

// IsDeploymentComplete reports whether the event marks a finished deployment.
func (e AgentEvent) IsDeploymentComplete() bool {
	return e.IsPlatformMessage() && e.Message.Metadata != nil &&
		e.Message.Metadata.Type == PlatformDeploymentComplete
}

// HasAgentState reports whether the event carries a non-null agent state.
func (e AgentEvent) HasAgentState() bool {
	s := strings.TrimSpace(string(e.Message.AgentState))
	return s != "" && s != "null"
}

// Messages extracts the conversation messages carried by the event.
// message.messages wins when present; otherwise message.content is decoded as
// a serialized array of content turns. User turns collapse to their text blocks,
// assistant turns keep the serialized blocks and are tagged with the event kind.
func (e AgentEvent) Messages() ([]ConversationMessage, error) {
	if len(e.Message.Messages) > 0 {
		out := make([]ConversationMessage, 0, len(e.Message.Messages))
		for _, m := range e.Message.Messages {
			if m.Role == RoleAssistant && m.Kind == "" {
				m.Kind = e.Message.Kind
			}
			out = append(out, m)
		}
		return out, nil
	}

	content := strings.TrimSpace(e.Message.Content)
	if content == "" {
		return nil, nil
	}

	var turns []ContentTurn
	if err := json.Unmarshal([]byte(content), &turns); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}

	out := make([]ConversationMessage, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case RoleUser:
			var sb strings.Builder
			for _, block := range turn.Content {
				if block.Type == "text" {
					sb.WriteString(block.Text)
				}
			}
			out = append(out, ConversationMessage{Role: RoleUser, Content: sb.String()})
		case RoleAssistant:
			raw, err := json.Marshal(turn.Content)
			if err != nil {
				return nil, fmt.Errorf("encode assistant blocks: %w", err)
			}
			out = append(out, ConversationMessage{
				Role:    RoleAssistant,
				Content: string(raw),
				Kind:    e.Message.Kind,
			})
		default:
			return nil, fmt.Errorf("decode message content: unknown role %q", turn.Role)
		}
	}
	return out, nil
}

// DisplayMessages returns the messages for rendering, falling back to an empty
// slice when the content cannot be decoded.
func (e AgentEvent) DisplayMessages() []ConversationMessage {
	msgs, err := e.Messages()
	if err != nil {
		return nil
	}
	return msgs
}

// AssistantText returns the text blocks of the assistant turns in message.content.
func (e AgentEvent) AssistantText() []string {
	var turns []ContentTurn
	if err := json.Unmarshal([]byte(e.Message.Content), &turns); err != nil {
		return nil
	}
	var out []string
	for _, turn := range turns {
		if turn.Role != RoleAssistant {
			continue
		}
		for _, block := range turn.Content {
			if block.Type == "text" && block.Text != "" {
				out = append(out, block.Text)
			}
		}
	}
	return out
}

// EndsExchange reports whether the agent finished the exchange and is not
// waiting on the user.
func (e AgentEvent) EndsExchange() bool {
	return e.Status == StatusIdle && e.Message.Kind != KindRefinementRequest
}
