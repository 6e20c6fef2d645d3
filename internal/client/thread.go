package client

import (
	"slices"

	"github.com/ashureev/buildrelay/internal/domain"
)

// Thread is the ordered list of events a client knows for one application.
// The zero value is an empty thread.
type Thread struct {
	events []domain.AgentEvent
}

// NewThread returns a thread holding events merged in order.
func NewThread(events ...domain.AgentEvent) *Thread {
	t := &Thread{}
	for _, ev := range events {
		t.Merge(ev)
	}
	return t
}

// Merge folds ev into the thread.
//
// The agent re-sends the growing state of an exchange under the same trace, so
// a non-platform event replaces every earlier event of its trace. Platform
// messages of that trace survive the replacement and stay after it. Platform
// messages and events of a new trace are appended.
//
// Replacing drops earlier non-platform events of the trace even if the agent
// sent them as increments rather than as a superseding state.
func (t *Thread) Merge(ev domain.AgentEvent) {
	if ev.IsPlatformMessage() || ev.TraceID == "" {
		t.events = append(t.events, ev)
		return
	}

	first := slices.IndexFunc(t.events, func(e domain.AgentEvent) bool {
		return e.TraceID == ev.TraceID
	})
	if first < 0 {
		t.events = append(t.events, ev)
		return
	}

	var platform []domain.AgentEvent
	out := make([]domain.AgentEvent, 0, len(t.events)+1)
	at := first
	for i, e := range t.events {
		if e.TraceID != ev.TraceID {
			out = append(out, e)
			continue
		}
		if i == first {
			at = len(out)
			out = append(out, ev)
		}
		if e.IsPlatformMessage() {
			platform = append(platform, e)
		}
	}
	t.events = slices.Insert(out, at+1, platform...)
}

// Events returns a copy of the thread's events in order.
func (t *Thread) Events() []domain.AgentEvent {
	return slices.Clone(t.events)
}

// Len returns the number of events.
func (t *Thread) Len() int {
	return len(t.events)
}

// Last returns the most recent event.
func (t *Thread) Last() (domain.AgentEvent, bool) {
	if len(t.events) == 0 {
		return domain.AgentEvent{}, false
	}
	return t.events[len(t.events)-1], true
}

// Messages flattens the thread into role-tagged messages for display. Each
// message carries the kind of the event it came from.
func (t *Thread) Messages() []domain.ConversationMessage {
	var out []domain.ConversationMessage
	for _, ev := range t.events {
		for _, m := range ev.DisplayMessages() {
			m.Kind = ev.Message.Kind
			out = append(out, m)
		}
	}
	return out
}

// PhaseGroup is a run of consecutive events sharing a kind.
type PhaseGroup struct {
	Phase  domain.MessageKind
	Events []domain.AgentEvent
}

// PhaseGroups splits the thread into runs of consecutive events of equal kind.
func (t *Thread) PhaseGroups() []PhaseGroup {
	var groups []PhaseGroup
	for i, ev := range t.events {
		if i == 0 || t.events[i-1].Message.Kind != ev.Message.Kind {
			groups = append(groups, PhaseGroup{Phase: ev.Message.Kind})
		}
		last := &groups[len(groups)-1]
		last.Events = append(last.Events, ev)
	}
	return groups
}

// PromptsToEvents rebuilds history events from durably logged prompts so a
// resumed session can render what was said before. User prompts become user
// messages and agent prompts platform messages.
func PromptsToEvents(prompts []domain.Prompt) []domain.AgentEvent {
	out := make([]domain.AgentEvent, 0, len(prompts))
	for _, p := range prompts {
		msg := domain.ConversationMessage{Role: domain.RoleUser, Content: p.Text}
		kind := domain.KindUserMessage
		if p.Kind == domain.PromptKindAgent {
			msg.Role = domain.RoleAssistant
			kind = domain.KindPlatformMessage
		}
		out = append(out, domain.AgentEvent{
			Status:  domain.StatusHistory,
			TraceID: domain.NewTraceID(p.ApplicationID, p.ID),
			Message: domain.AgentMessage{
				Kind:     kind,
				Messages: []domain.ConversationMessage{msg},
			},
		})
	}
	return out
}
