package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/buildrelay/internal/api"
	"github.com/ashureev/buildrelay/internal/domain"
	"github.com/ashureev/buildrelay/internal/identity"
	"github.com/ashureev/buildrelay/internal/quota"
	"github.com/ashureev/buildrelay/internal/relay"
	"github.com/ashureev/buildrelay/internal/sse"
)

// scriptedRelay answers POST /message with the events queued for each call.
type scriptedRelay struct {
	requests chan api.SendMessageRequest
	users    chan string
	replies  [][]domain.AgentEvent
	appID    string
	call     int
}

func (s *scriptedRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req api.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	s.requests <- req
	s.users <- r.Header.Get(identity.UserHeaderName)

	events := s.replies[s.call]
	s.call++

	quota.WriteHeaders(w.Header(), domain.MessageLimit{
		DailyMessageLimit: 10, CurrentUsage: s.call, RemainingMessages: 10 - s.call,
		NextResetTime: time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
	})
	w.Header().Set(api.HeaderApplicationID, s.appID)
	sw, err := sse.NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	trace := ""
	for _, ev := range events {
		raw, _ := json.Marshal(ev)
		_ = sw.WriteEvent(relay.EventMessage, raw)
		trace = ev.TraceID
	}
	done, _ := json.Marshal(relay.DoneMarker{Done: true, TraceID: trace, ApplicationID: s.appID})
	_ = sw.WriteEvent(relay.EventDone, done)
}

func newScriptedRelay(t *testing.T, appID string, replies ...[]domain.AgentEvent) (*scriptedRelay, *httptest.Server) {
	s := &scriptedRelay{
		requests: make(chan api.SendMessageRequest, len(replies)),
		users:    make(chan string, len(replies)),
		replies:  replies,
		appID:    appID,
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestSessionNewConversationCompletes(t *testing.T) {
	stage := event("temp.req-R1", domain.KindStageResult, "plan")
	relaySrv, srv := newScriptedRelay(t, "A1",
		[]domain.AgentEvent{stage, deployment("temp.req-R1")},
		[]domain.AgentEvent{deployment("app-A1.req-R2")},
	)
	c, err := New(srv.URL, WithUserID("u1"))
	require.NoError(t, err)
	s := NewSession(c, "")
	assert.Equal(t, StateInitial, s.State())

	var seen []domain.MessageKind
	err = s.Send(context.Background(), "build a todo app", nil, func(ev domain.AgentEvent) {
		seen = append(seen, ev.Message.Kind)
	})
	require.NoError(t, err)

	req := <-relaySrv.requests
	assert.Equal(t, "build a todo app", req.Message)
	assert.Empty(t, req.ApplicationID)
	assert.Equal(t, DefaultClientSource, req.ClientSource)
	assert.Equal(t, "u1", <-relaySrv.users)

	assert.Equal(t, []domain.MessageKind{domain.KindStageResult, domain.KindPlatformMessage}, seen)
	assert.Equal(t, 2, s.Thread().Len())
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, "A1", s.ApplicationID())
	limit, ok := s.Limit()
	require.True(t, ok)
	assert.Equal(t, 9, limit.RemainingMessages)

	// A follow-up deployment lands in iteration mode.
	require.NoError(t, s.Send(context.Background(), "add auth", nil, nil))
	req = <-relaySrv.requests
	assert.Equal(t, "A1", req.ApplicationID)
	assert.Equal(t, 3, s.Thread().Len())
	assert.Equal(t, StateIterationReady, s.State())
	assert.Equal(t, StateIterationReady.Prompt(), s.Prompt())
}

func TestSendLimitReached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			Error:            "daily message limit reached",
			Status:           "error",
			ErrorType:        api.ErrorTypeMessageLimit,
			UserMessageLimit: &domain.MessageLimit{DailyMessageLimit: 10, CurrentUsage: 10, IsUserLimitReached: true},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	s := NewSession(c, "")
	err = s.Send(context.Background(), "hi", nil, nil)
	require.ErrorIs(t, err, ErrLimitReached)
	assert.NotErrorIs(t, err, ErrNotFound)

	limit, ok := s.Limit()
	require.True(t, ok)
	assert.True(t, limit.IsUserLimitReached)
	assert.Equal(t, StateError, s.State())
}

func TestSendRateLimitIsNotQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.Send(context.Background(), SendParams{Message: "hi"}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "rate limit exceeded", apiErr.Message)
	assert.NotErrorIs(t, err, ErrLimitReached)
}

func TestSendNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "conversation not found", Status: "error"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.Send(context.Background(), SendParams{Message: "hi", ApplicationID: "gone"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendStreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw, err := sse.NewWriter(w)
		require.NoError(t, err)
		raw, _ := json.Marshal(event("temp.req-R1", domain.KindStageResult, "a"))
		_ = sw.WriteEvent(relay.EventMessage, raw)
		_ = sw.WriteEvent(relay.EventMessage, []byte(`{"broken"`))
		se, _ := json.Marshal(relay.StreamError{Error: "agent stream interrupted", TraceID: "temp.req-R1"})
		_ = sw.WriteEvent(relay.EventError, se)
		done, _ := json.Marshal(relay.DoneMarker{Done: true, TraceID: "temp.req-R1", ApplicationID: "A1"})
		_ = sw.WriteEvent(relay.EventDone, done)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	res, err := c.Send(context.Background(), SendParams{Message: "hi"}, nil)
	var failure *StreamFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "agent stream interrupted", failure.Message)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Events)
	assert.Equal(t, "A1", res.ApplicationID)
}

func TestSendIncompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw, err := sse.NewWriter(w)
		require.NoError(t, err)
		raw, _ := json.Marshal(event("temp.req-R1", domain.KindStageResult, "a"))
		_ = sw.WriteEvent(relay.EventMessage, raw)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	res, err := c.Send(context.Background(), SendParams{Message: "hi"}, nil)
	assert.ErrorIs(t, err, ErrIncompleteStream)
	assert.Equal(t, "temp.req-R1", res.TraceID)
}

func TestSessionRejectsConcurrentSend(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw, err := sse.NewWriter(w)
		if err != nil {
			return
		}
		close(started)
		<-release
		done, _ := json.Marshal(relay.DoneMarker{Done: true, ApplicationID: "A1"})
		_ = sw.WriteEvent(relay.EventDone, done)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	s := NewSession(c, "")

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), "first", nil, nil) }()
	<-started
	assert.Equal(t, StateBuilding, s.State())
	assert.ErrorIs(t, s.Send(context.Background(), "second", nil, nil), ErrExchangeInFlight)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, "A1", s.ApplicationID())
}

func TestFetchLimitAndHistory(t *testing.T) {
	reset := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /message-limit", func(w http.ResponseWriter, r *http.Request) {
		quota.WriteHeaders(w.Header(), domain.MessageLimit{DailyMessageLimit: 10, CurrentUsage: 4, RemainingMessages: 6, NextResetTime: reset})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /apps/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "A1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "not found", Status: "error"})
			return
		}
		_ = json.NewEncoder(w).Encode([]domain.Prompt{
			{ID: "p1", ApplicationID: "A1", Kind: domain.PromptKindUser, Text: "build"},
			{ID: "p2", ApplicationID: "A1", Kind: domain.PromptKindAgent, Text: "deployed"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	limit, err := c.FetchLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, limit.RemainingMessages)
	assert.True(t, limit.NextResetTime.Equal(reset))
	assert.False(t, limit.IsUserLimitReached)

	s := NewSession(c, "A1")
	require.NoError(t, s.LoadHistory(context.Background()))
	assert.Equal(t, 2, s.Thread().Len())
	assert.Equal(t, StateIterationReady, s.State())

	err = NewSession(c, "missing").LoadHistory(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, NewSession(c, "").LoadHistory(context.Background()))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)
}
