package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/buildrelay/internal/domain"
)

// ErrExchangeInFlight is returned when a message is sent while the previous
// exchange is still streaming.
var ErrExchangeInFlight = errors.New("an exchange is already in progress")

// Session is one user's build conversation as seen from the client. It sends
// messages one exchange at a time, merges every event into its thread and
// tracks the interaction state.
type Session struct {
	client *Client

	mu               sync.Mutex
	thread           *Thread
	applicationID    string
	hadApplicationID bool
	started          bool
	inFlight         bool
	limit            *domain.MessageLimit
	lastErr          error
}

// NewSession starts a session. A non-empty applicationID continues that
// application.
func NewSession(c *Client, applicationID string) *Session {
	return &Session{client: c, thread: &Thread{}, applicationID: applicationID}
}

// LoadHistory seeds the thread with the application's logged prompts.
func (s *Session) LoadHistory(ctx context.Context) error {
	s.mu.Lock()
	appID := s.applicationID
	s.mu.Unlock()
	if appID == "" {
		return nil
	}

	prompts, err := s.client.History(ctx, appID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range PromptsToEvents(prompts) {
		s.thread.Merge(ev)
	}
	return nil
}

// Send relays text and blocks until the exchange ends. onEvent, when set, is
// called after each event has been merged into the thread.
func (s *Session) Send(ctx context.Context, text string, settings json.RawMessage, onEvent func(domain.AgentEvent)) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrExchangeInFlight
	}
	s.inFlight = true
	s.started = true
	s.lastErr = nil
	s.hadApplicationID = s.applicationID != ""
	params := SendParams{Message: text, ApplicationID: s.applicationID, Settings: settings}
	s.mu.Unlock()

	res, err := s.client.Send(ctx, params, func(ev domain.AgentEvent) {
		s.mu.Lock()
		s.thread.Merge(ev)
		if s.applicationID == "" {
			if id, ok := domain.ApplicationIDFromTrace(ev.TraceID); ok {
				s.applicationID = id
			}
		}
		s.mu.Unlock()
		if onEvent != nil {
			onEvent(ev)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.lastErr = err
	if res != nil {
		if res.ApplicationID != "" {
			s.applicationID = res.ApplicationID
		}
		if res.Limit != nil {
			s.limit = res.Limit
		}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Limit != nil {
		s.limit = apiErr.Limit
	}
	return err
}

// State derives the current interaction state. A failed exchange with no
// events to show is reported as StateError.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	in := StateInput{Started: s.started, InFlight: s.inFlight, HadApplicationID: s.hadApplicationID}
	if last, ok := s.thread.Last(); ok {
		in.Last = &last
	}
	if in.Last == nil && s.lastErr != nil && !s.inFlight {
		return StateError
	}
	return DeriveState(in)
}

// Prompt returns the copy for the current state.
func (s *Session) Prompt() PromptConfig {
	return s.State().Prompt()
}

// Thread returns a snapshot of the session's thread.
func (s *Session) Thread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Thread{events: s.thread.Events()}
}

// ApplicationID returns the application the session is bound to, if any.
func (s *Session) ApplicationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applicationID
}

// Limit returns the last allowance reported by the relay.
func (s *Session) Limit() (domain.MessageLimit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit == nil {
		return domain.MessageLimit{}, false
	}
	return *s.limit, true
}
