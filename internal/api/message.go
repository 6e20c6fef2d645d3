package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/buildrelay/internal/agent"
	"github.com/ashureev/buildrelay/internal/domain"
	"github.com/ashureev/buildrelay/internal/identity"
	"github.com/ashureev/buildrelay/internal/metrics"
	"github.com/ashureev/buildrelay/internal/quota"
	"github.com/ashureev/buildrelay/internal/relay"
	"github.com/ashureev/buildrelay/internal/sse"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepaliveInterval  = 10 * time.Second
)

// Sender starts relay exchanges.
type Sender interface {
	Send(ctx context.Context, req relay.Request) (*relay.Exchange, error)
}

// LimitChecker reports a user's daily allowance.
type LimitChecker interface {
	Check(ctx context.Context, userID string) domain.MessageLimit
}

// MessageConfig tunes the message endpoints.
type MessageConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	// AllowedOrigin restricts WebSocket upgrades outside development.
	AllowedOrigin string
	IsDev         bool
}

// MessageHandler serves the message relay endpoints.
type MessageHandler struct {
	relay  Sender
	limits LimitChecker
	cfg    MessageConfig
	logger *slog.Logger

	// inflight holds one entry per application with a streaming exchange.
	inflight sync.Map
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(s Sender, limits LimitChecker, cfg MessageConfig, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	return &MessageHandler{relay: s, limits: limits, cfg: cfg, logger: logger}
}

// RegisterRoutes registers message routes.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/message", h.PostMessage)
	r.Get("/message-limit", h.GetMessageLimit)
	r.Get("/ws/message", h.ServeWebSocket)
}

// decodeMessage reads a SendMessageRequest and converts it for the relay.
func decodeMessage(w http.ResponseWriter, r *http.Request, maxBytes int64) (relay.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	var body SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return relay.Request{}, errBodyTooLarge
		}
		return relay.Request{}, errInvalidBody
	}
	return toRelayRequest(body, identity.UserIDFromContext(r.Context()))
}

var (
	errBodyTooLarge = errors.New("request body too large")
	errInvalidBody  = errors.New("invalid request body")
)

func toRelayRequest(body SendMessageRequest, userID string) (relay.Request, error) {
	env, err := agent.ParseEnvironment(body.Environment)
	if err != nil {
		return relay.Request{}, fmt.Errorf("%w: %v", relay.ErrInvalidRequest, err)
	}
	return relay.Request{
		Text:          body.Message,
		ApplicationID: body.ApplicationID,
		ClientSource:  body.ClientSource,
		Settings:      body.Settings,
		Environment:   env,
		UserID:        userID,
	}, nil
}

// acquire marks applicationID as streaming. New applications have no id yet
// and always succeed.
func (h *MessageHandler) acquire(applicationID string) (release func(), ok bool) {
	if applicationID == "" {
		return func() {}, true
	}
	if _, loaded := h.inflight.LoadOrStore(applicationID, struct{}{}); loaded {
		return nil, false
	}
	return func() { h.inflight.Delete(applicationID) }, true
}

// PostMessage relays one message and streams the agent's events back as
// server-sent events. Failures before streaming get a JSON error response.
func (h *MessageHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req, err := decodeMessage(w, r, h.cfg.MaxRequestBodySize)
	switch {
	case errors.Is(err, errBodyTooLarge):
		Error(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, errInvalidBody):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeRelayError(w, h.logger, err, "user_id", userID)
		return
	}

	release, ok := h.acquire(req.ApplicationID)
	if !ok {
		Error(w, http.StatusConflict, "exchange_in_progress")
		return
	}
	defer release()

	reqID := chiMiddleware.GetReqID(r.Context())
	x, err := h.relay.Send(r.Context(), req)
	if err != nil {
		writeRelayError(w, h.logger, err, "user_id", userID, "application_id", req.ApplicationID, "request_id", reqID)
		return
	}
	defer func() { _ = x.Close() }()

	quota.WriteHeaders(w.Header(), x.Limit)
	w.Header().Set(HeaderApplicationID, x.ApplicationID)
	sw, err := sse.NewWriter(w)
	if err != nil {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.WriteHeader(http.StatusOK)

	stop := sw.Keepalive(r.Context(), h.cfg.KeepaliveInterval)
	defer stop()

	for o := range x.Stream() {
		if err := sw.WriteEvent(o.Event, o.Data); err != nil {
			h.logger.Info("client went away mid-stream",
				"application_id", x.ApplicationID, "trace_id", x.TraceID, "error", err)
			break
		}
	}
}

// GetMessageLimit reports the caller's daily allowance in the quota headers
// and as a JSON body.
func (h *MessageHandler) GetMessageLimit(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := h.limits.Check(r.Context(), userID)
	metrics.QuotaChecked(limit.IsUserLimitReached)
	quota.WriteHeaders(w.Header(), limit)
	JSON(w, http.StatusOK, limit)
}
