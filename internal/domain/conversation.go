package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// ConversationRecord is the resumable state of one application's conversation.
type ConversationRecord struct {
	ApplicationID string                `json:"applicationId"`
	UserID        string                `json:"userId,omitempty"`
	TraceID       string                `json:"traceId"`
	AgentState    json.RawMessage       `json:"agentState,omitempty"`
	AllMessages   []ConversationMessage `json:"allMessages"`
	// AppliedEvents holds fingerprints of the current exchange's events already
	// folded into the record.
	AppliedEvents []string  `json:"appliedEvents,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (r *ConversationRecord) Clone() *ConversationRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.AgentState = slices.Clone(r.AgentState)
	c.AllMessages = slices.Clone(r.AllMessages)
	c.AppliedEvents = slices.Clone(r.AppliedEvents)
	return &c
}

// AppendUserMessage appends a user-authored message.
func (r *ConversationRecord) AppendUserMessage(text string) {
	r.AllMessages = append(r.AllMessages, ConversationMessage{Role: RoleUser, Content: text})
}

// AdvanceTrace makes traceID the record's current exchange. Fingerprints are
// kept for the current exchange only; events of earlier exchanges carry their
// own trace id and never match.
func (r *ConversationRecord) AdvanceTrace(traceID string) {
	if traceID == "" || traceID == r.TraceID {
		return
	}
	r.TraceID = traceID
	r.AppliedEvents = nil
}

// ApplyEvent folds an agent event into the record: extracted messages are
// appended and the agent state is replaced when the event carries one. An event
// whose fingerprint was already applied is ignored, which makes replays of the
// same event sequence idempotent. It reports whether the record changed and
// returns the message extraction error, if any; the agent state is still
// replaced when extraction fails.
func (r *ConversationRecord) ApplyEvent(ev AgentEvent) (bool, error) {
	fp := EventFingerprint(ev)
	if slices.Contains(r.AppliedEvents, fp) {
		return false, nil
	}
	r.AppliedEvents = append(r.AppliedEvents, fp)

	if ev.HasAgentState() {
		r.AgentState = slices.Clone(ev.Message.AgentState)
	}

	msgs, err := ev.Messages()
	r.AllMessages = append(r.AllMessages, msgs...)
	return true, err
}

// EventFingerprint is a stable digest of an event's trace, status and message.
func EventFingerprint(ev AgentEvent) string {
	h := sha256.New()
	h.Write([]byte(ev.TraceID))
	h.Write([]byte{0})
	h.Write([]byte(ev.Status))
	h.Write([]byte{0})
	if raw, err := json.Marshal(ev.Message); err == nil {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// MessageLimit is the derived daily message allowance of a user.
type MessageLimit struct {
	DailyMessageLimit  int       `json:"dailyMessageLimit"`
	CurrentUsage       int       `json:"currentUsage"`
	RemainingMessages  int       `json:"remainingMessages"`
	IsUserLimitReached bool      `json:"isUserLimitReached"`
	NextResetTime      time.Time `json:"nextResetTime"`
}

// PromptKind distinguishes user-authored prompts from agent replies.
type PromptKind string

const (
	PromptKindUser  PromptKind = "user"
	PromptKindAgent PromptKind = "agent"
)

// Prompt is a durably logged prompt of an application.
type Prompt struct {
	ID            string     `json:"id"`
	ApplicationID string     `json:"applicationId"`
	UserID        string     `json:"userId"`
	Kind          PromptKind `json:"kind"`
	Text          string     `json:"prompt"`
	CreatedAt     time.Time  `json:"createdAt"`
}

const (
	tracePrefixApp  = "app-"
	tracePrefixTemp = "temp"
	traceReqSep     = ".req-"
)

// NewTraceID builds the correlation id of one agent exchange. Before an
// application exists the trace is temporary.
func NewTraceID(applicationID, requestID string) string {
	if applicationID == "" {
		return tracePrefixTemp + traceReqSep + requestID
	}
	return tracePrefixApp + applicationID + traceReqSep + requestID
}

// ApplicationIDFromTrace extracts the application id from an app trace id.
// Temporary traces carry none.
func ApplicationIDFromTrace(traceID string) (string, bool) {
	head, _, ok := strings.Cut(traceID, traceReqSep)
	if !ok || !strings.HasPrefix(head, tracePrefixApp) {
		return "", false
	}
	id := strings.TrimPrefix(head, tracePrefixApp)
	return id, id != ""
}
