// Package client talks to the relay from the user's side: it consumes the
// streamed exchange, assembles the thread and derives what to ask next.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/buildrelay/internal/agent"
	"github.com/ashureev/buildrelay/internal/api"
	"github.com/ashureev/buildrelay/internal/domain"
	"github.com/ashureev/buildrelay/internal/identity"
	"github.com/ashureev/buildrelay/internal/quota"
	"github.com/ashureev/buildrelay/internal/relay"
	"github.com/ashureev/buildrelay/internal/sse"
)

// DefaultClientSource identifies this client to the relay.
const DefaultClientSource = "cli"

var (
	// ErrLimitReached matches refusals by the daily message quota.
	ErrLimitReached = errors.New("daily message limit reached")
	// ErrNotFound matches unknown or unresumable applications.
	ErrNotFound = errors.New("application not found")
	// ErrIncompleteStream is returned when the stream ends without a done record.
	ErrIncompleteStream = errors.New("stream ended without done marker")
)

// APIError is a non-streamed failure returned by the relay.
type APIError struct {
	StatusCode int
	Message    string
	ErrorType  string
	// Limit is set when the quota refused the request.
	Limit *domain.MessageLimit
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Is maps the status onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrLimitReached:
		return e.StatusCode == http.StatusTooManyRequests && e.ErrorType == api.ErrorTypeMessageLimit
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// StreamFailure is an error record received after streaming began.
type StreamFailure struct {
	Message string
	TraceID string
}

func (e *StreamFailure) Error() string {
	return "agent exchange failed: " + e.Message
}

// Client calls the relay over HTTP.
type Client struct {
	baseURL      string
	http         *http.Client
	userID       string
	environment  agent.Environment
	clientSource string
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithUserID sends userID in the trusted identity header.
func WithUserID(userID string) Option {
	return func(c *Client) { c.userID = userID }
}

// WithEnvironment selects the agent environment.
func WithEnvironment(env agent.Environment) Option {
	return func(c *Client) { c.environment = env }
}

// WithClientSource overrides DefaultClientSource.
func WithClientSource(source string) Option {
	return func(c *Client) { c.clientSource = source }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the relay at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid relay url %q", baseURL)
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{},
		clientSource: DefaultClientSource,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendParams is one user message.
type SendParams struct {
	Message       string
	ApplicationID string
	Settings      json.RawMessage
}

// SendResult describes a finished exchange.
type SendResult struct {
	ApplicationID string
	TraceID       string
	// Limit is the allowance reported with the stream, counting this message.
	Limit  *domain.MessageLimit
	Events int
}

// Send posts a message and calls onEvent for every agent event in arrival
// order. It returns once the done record arrives. A failure record from the
// relay is returned as *StreamFailure together with the result.
func (c *Client) Send(ctx context.Context, p SendParams, onEvent func(domain.AgentEvent)) (*SendResult, error) {
	body, err := json.Marshal(api.SendMessageRequest{
		Message:       p.Message,
		ApplicationID: p.ApplicationID,
		ClientSource:  c.clientSource,
		Settings:      p.Settings,
		Environment:   string(c.environment),
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	res := &SendResult{ApplicationID: resp.Header.Get(api.HeaderApplicationID)}
	if l, err := quota.ParseHeaders(resp.Header); err == nil {
		res.Limit = &l
	}

	var failure *StreamFailure
	for rec, err := range sse.Records(resp.Body) {
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("read stream: %w", err)
		}

		switch rec.Event {
		case relay.EventDone:
			var done relay.DoneMarker
			if err := json.Unmarshal(rec.Data, &done); err != nil {
				return res, fmt.Errorf("decode done marker: %w", err)
			}
			if done.ApplicationID != "" {
				res.ApplicationID = done.ApplicationID
			}
			if done.TraceID != "" {
				res.TraceID = done.TraceID
			}
			if failure != nil {
				return res, failure
			}
			return res, nil
		case relay.EventError:
			var se relay.StreamError
			if err := json.Unmarshal(rec.Data, &se); err != nil {
				se.Error = string(rec.Data)
			}
			failure = &StreamFailure{Message: se.Error, TraceID: se.TraceID}
		default:
			ev, err := domain.ParseAgentEvent(rec.Data)
			if err != nil {
				c.logger.Warn("skipping malformed relay frame", "error", err)
				continue
			}
			if ev.Message.Kind == domain.KindKeepAlive {
				continue
			}
			if ev.TraceID != "" {
				res.TraceID = ev.TraceID
			}
			res.Events++
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}

	if failure != nil {
		return res, failure
	}
	return res, ErrIncompleteStream
}

// FetchLimit returns the caller's current daily allowance.
func (c *Client) FetchLimit(ctx context.Context) (domain.MessageLimit, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/message-limit", nil)
	if err != nil {
		return domain.MessageLimit{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.MessageLimit{}, fmt.Errorf("get message limit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return domain.MessageLimit{}, decodeError(resp)
	}
	return quota.ParseHeaders(resp.Header)
}

// History returns the logged prompts of an application, oldest first.
func (c *Client) History(ctx context.Context, applicationID string) ([]domain.Prompt, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/apps/"+url.PathEscape(applicationID)+"/history", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var prompts []domain.Prompt
	if err := json.NewDecoder(resp.Body).Decode(&prompts); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return prompts, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userID != "" {
		req.Header.Set(identity.UserHeaderName, c.userID)
	}
	return req, nil
}

const maxErrorBody = 64 << 10

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body api.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.ErrorType = body.ErrorType
		apiErr.Limit = body.UserMessageLimit
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	if apiErr.Limit == nil && resp.StatusCode == http.StatusTooManyRequests {
		if l, err := quota.ParseHeaders(resp.Header); err == nil {
			apiErr.Limit = &l
		}
	}
	return apiErr
}
