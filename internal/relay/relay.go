// Package relay forwards user messages to the agent and streams its events back
// while keeping the conversation resumable.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/buildrelay/internal/agent"
	"github.com/ashureev/buildrelay/internal/conversation"
	"github.com/ashureev/buildrelay/internal/domain"
	"github.com/ashureev/buildrelay/internal/metrics"
	"github.com/ashureev/buildrelay/internal/quota"
	"github.com/ashureev/buildrelay/internal/store"
	"github.com/ashureev/buildrelay/internal/telemetry"
)

// DefaultExchangeTimeout bounds one upstream exchange.
const DefaultExchangeTimeout = 10 * time.Minute

// QuotaChecker reports a user's daily allowance.
type QuotaChecker interface {
	Check(ctx context.Context, userID string) domain.MessageLimit
}

// PromptRecorder durably logs prompts. User prompts feed the quota count.
type PromptRecorder interface {
	RecordPrompt(ctx context.Context, prompt *domain.Prompt) error
}

// Ownership tracks which user may act on an application. ApplicationOwner
// returns store.ErrNotFound for unknown applications.
type Ownership interface {
	ClaimApplication(ctx context.Context, applicationID, ownerID string) error
	ApplicationOwner(ctx context.Context, applicationID string) (string, error)
}

// Request is one user message to relay.
type Request struct {
	Text          string
	ApplicationID string
	ClientSource  string
	Settings      json.RawMessage
	Environment   agent.Environment
	UserID        string
}

// Config tunes exchange behaviour.
type Config struct {
	// ExchangeTimeout caps the total duration of one exchange.
	ExchangeTimeout time.Duration
	// StopOnIdle ends the exchange on the first idle event that does not
	// request refinement, instead of waiting for the upstream to close.
	StopOnIdle bool
}

// Relay runs agent exchanges.
type Relay struct {
	agent   agent.Streamer
	store   conversation.Store
	quota   QuotaChecker
	prompts PromptRecorder
	owners  Ownership
	convLog agent.ConversationLogger
	tracer  trace.Tracer
	logger  *slog.Logger
	cfg     Config
	newID   func() string
}

// Option configures a Relay.
type Option func(*Relay)

// WithPrompts records user and agent prompts in r.
func WithPrompts(r PromptRecorder) Option {
	return func(rl *Relay) { rl.prompts = r }
}

// WithOwnership enforces application ownership through o.
func WithOwnership(o Ownership) Option {
	return func(rl *Relay) { rl.owners = o }
}

// WithConversationLogger mirrors relay traffic into l.
func WithConversationLogger(l agent.ConversationLogger) Option {
	return func(rl *Relay) { rl.convLog = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rl *Relay) { rl.logger = l }
}

// WithTracerProvider sets the tracer provider for exchange spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(rl *Relay) { rl.tracer = telemetry.Tracer(tp) }
}

// WithConfig sets exchange tuning.
func WithConfig(cfg Config) Option {
	return func(rl *Relay) { rl.cfg = cfg }
}

// WithIDGenerator replaces the uuid generator for application and request ids.
func WithIDGenerator(fn func() string) Option {
	return func(rl *Relay) { rl.newID = fn }
}

// New creates a Relay.
func New(streamer agent.Streamer, conversations conversation.Store, guard QuotaChecker, opts ...Option) *Relay {
	r := &Relay{
		agent:   streamer,
		store:   conversations,
		quota:   guard,
		convLog: agent.NoopConversationLogger(),
		tracer:  telemetry.Tracer(nil),
		logger:  slog.Default(),
		cfg:     Config{ExchangeTimeout: DefaultExchangeTimeout},
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.ExchangeTimeout <= 0 {
		r.cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	return r
}

// Send starts one exchange. Failures before the upstream stream opened are
// returned here: *LimitError, ErrNotFound, ErrInvalidRequest, or
// *agent.UpstreamError. On success the caller must drain or Close the Exchange.
func (r *Relay) Send(ctx context.Context, req Request) (*Exchange, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}

	limit := r.quota.Check(ctx, req.UserID)
	metrics.QuotaChecked(limit.IsUserLimitReached)
	if limit.IsUserLimitReached {
		r.logger.Warn("daily message limit reached", "user_id", req.UserID)
		metrics.ExchangeRejected(metrics.OutcomeLimitReached)
		return nil, &LimitError{Limit: limit}
	}

	ctx, span := r.tracer.Start(ctx, "relay.send", trace.WithAttributes(telemetry.AttrUserID.String(req.UserID)))
	fail := func(outcome string, err error) (*Exchange, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		metrics.ExchangeRejected(outcome)
		return nil, err
	}

	var (
		snapshot *domain.ConversationRecord
		err      error
	)
	if req.ApplicationID == "" {
		snapshot, err = r.begin(ctx, req)
	} else {
		snapshot, err = r.resume(ctx, req)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail(metrics.OutcomeNotFound, err)
		}
		return fail(metrics.OutcomeError, err)
	}
	span.SetAttributes(
		telemetry.AttrApplicationID.String(snapshot.ApplicationID),
		telemetry.AttrTraceID.String(snapshot.TraceID),
	)

	r.recordPrompt(ctx, snapshot.ApplicationID, req.UserID, domain.PromptKindUser, req.Text)
	r.convLog.Log(agent.ConversationLogEvent{
		UserID:        req.UserID,
		ApplicationID: snapshot.ApplicationID,
		TraceID:       snapshot.TraceID,
		Channel:       req.ClientSource,
		Direction:     "inbound",
		EventType:     "user_message",
		ContentRaw:    req.Text,
	})

	exCtx, cancel := context.WithTimeout(ctx, r.cfg.ExchangeTimeout)
	body, err := r.agent.Stream(exCtx, agent.MessageRequest{
		ApplicationID: snapshot.ApplicationID,
		AllMessages:   snapshot.AllMessages,
		TraceID:       snapshot.TraceID,
		Settings:      req.Settings,
		AgentState:    snapshot.AgentState,
		Environment:   req.Environment,
	})
	if err != nil {
		cancel()
		var upErr *agent.UpstreamError
		if errors.As(err, &upErr) {
			return fail(metrics.OutcomeUpstreamError, err)
		}
		return fail(metrics.OutcomeError, fmt.Errorf("open agent stream: %w", err))
	}

	r.logger.Info("agent exchange started",
		"application_id", snapshot.ApplicationID,
		"trace_id", snapshot.TraceID,
		"user_id", req.UserID,
		"messages", len(snapshot.AllMessages),
	)
	metrics.ExchangeStarted()
	return &Exchange{
		ApplicationID: snapshot.ApplicationID,
		TraceID:       snapshot.TraceID,
		Limit:         quota.CountingNewMessage(limit),
		relay:         r,
		userID:        req.UserID,
		clientSource:  req.ClientSource,
		parent:        ctx,
		ctx:           exCtx,
		cancel:        cancel,
		body:          body,
		span:          span,
		started:       time.Now(),
		outcome:       metrics.OutcomeCanceled,
	}, nil
}

// begin creates the record of a brand-new application.
func (r *Relay) begin(ctx context.Context, req Request) (*domain.ConversationRecord, error) {
	applicationID := r.newID()
	traceID := domain.NewTraceID("", r.newID())

	if r.owners != nil {
		if err := r.owners.ClaimApplication(ctx, applicationID, req.UserID); err != nil {
			return nil, fmt.Errorf("claim application: %w", err)
		}
	}

	var snapshot *domain.ConversationRecord
	err := r.store.Upsert(ctx, applicationID, func(rec *domain.ConversationRecord) error {
		rec.UserID = req.UserID
		rec.TraceID = traceID
		rec.AppendUserMessage(req.Text)
		snapshot = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	r.logger.Info("new application", "application_id", applicationID, "trace_id", traceID, "user_id", req.UserID)
	return snapshot, nil
}

// resume continues an existing application. The conversation must have a
// stored event for its last trace; without the agent's last state it cannot
// continue and is never silently restarted.
func (r *Relay) resume(ctx context.Context, req Request) (*domain.ConversationRecord, error) {
	applicationID := req.ApplicationID

	if r.owners != nil {
		owner, err := r.owners.ApplicationOwner(ctx, applicationID)
		switch {
		case err == nil && owner != req.UserID:
			r.logger.Warn("application owned by another user", "application_id", applicationID, "user_id", req.UserID)
			return nil, fmt.Errorf("%w: application %s", ErrNotFound, applicationID)
		case err != nil && !isNotFound(err):
			return nil, fmt.Errorf("check application owner: %w", err)
		case err != nil:
			return nil, fmt.Errorf("%w: application %s", ErrNotFound, applicationID)
		}
	}

	rec, err := r.store.Get(ctx, applicationID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: application %s", ErrNotFound, applicationID)
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if rec.UserID != "" && rec.UserID != req.UserID {
		return nil, fmt.Errorf("%w: application %s", ErrNotFound, applicationID)
	}
	if _, err := r.store.GetByTraceID(ctx, rec.TraceID); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: previous request not found", ErrNotFound)
		}
		return nil, fmt.Errorf("load previous request: %w", err)
	}

	// The stored trace moves to the new exchange only once its first event
	// is applied, so a failed exchange leaves the conversation resumable.
	var snapshot *domain.ConversationRecord
	err = r.store.Upsert(ctx, applicationID, func(rec *domain.ConversationRecord) error {
		rec.AppendUserMessage(req.Text)
		snapshot = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	snapshot.TraceID = domain.NewTraceID(applicationID, r.newID())
	return snapshot, nil
}

func (r *Relay) recordPrompt(ctx context.Context, applicationID, userID string, kind domain.PromptKind, text string) {
	if r.prompts == nil {
		return
	}
	err := r.prompts.RecordPrompt(ctx, &domain.Prompt{
		ApplicationID: applicationID,
		UserID:        userID,
		Kind:          kind,
		Text:          text,
	})
	if err != nil {
		r.logger.Error("failed to record prompt", "application_id", applicationID, "kind", kind, "error", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, conversation.ErrNotFound) || errors.Is(err, ErrNotFound) || errors.Is(err, store.ErrNotFound)
}
