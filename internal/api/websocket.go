package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/buildrelay/internal/identity"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsInboxSize    = 16
)

// WSFrame is one server-to-client WebSocket message. Message and done frames
// carry the same payloads as the event stream; error frames sent before an
// exchange started carry an ErrorResponse and its HTTP status.
type WSFrame struct {
	Event         string          `json:"event"`
	Status        int             `json:"status,omitempty"`
	ApplicationID string          `json:"applicationId,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// ServeWebSocket relays messages over a WebSocket. Each text message from the
// client is a SendMessageRequest; exchanges run one at a time in the order
// received. Closing the connection cancels the exchange in flight.
func (h *MessageHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)

	// The connection context ends when the client goes away, which also
	// cancels the exchange in flight.
	ctx, cancel := context.WithCancel(r.Context())
	inbox := make(chan []byte, wsInboxSize)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		h.readLoop(ctx, ws, inbox, userID)
	}()
	defer func() {
		cancel()
		<-readerDone
	}()

	for {
		var message []byte
		select {
		case <-ctx.Done():
			return
		case message = <-inbox:
		}

		var body SendMessageRequest
		if err := json.Unmarshal(message, &body); err != nil {
			if err := h.writeError(ctx, ws, http.StatusBadRequest, ErrorResponse{Error: errInvalidBody.Error(), Status: "error"}); err != nil {
				return
			}
			continue
		}
		if err := h.relayOverWebSocket(ctx, ws, body, userID); err != nil {
			h.logger.Info("websocket relay stopped", "error", err, "user_id", userID)
			return
		}
	}
}

// readLoop keeps reading while exchanges run so close frames are seen
// promptly. A client that queues more than wsInboxSize messages is dropped.
func (h *MessageHandler) readLoop(ctx context.Context, ws *websocket.Conn, inbox chan<- []byte, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				h.logger.Debug("websocket closed by client", "user_id", userID)
			case ctx.Err() == nil:
				h.logger.Warn("websocket read error", "error", err, "user_id", userID)
			}
			return
		}
		select {
		case inbox <- message:
		default:
			h.logger.Warn("websocket inbox full, closing", "user_id", userID)
			_ = ws.Close(websocket.StatusPolicyViolation, "too many pending messages")
			return
		}
	}
}

// relayOverWebSocket runs one exchange. It returns an error only when the
// connection can no longer be written.
func (h *MessageHandler) relayOverWebSocket(ctx context.Context, ws *websocket.Conn, body SendMessageRequest, userID string) error {
	req, err := toRelayRequest(body, userID)
	if err != nil {
		status, resp := errorStatus(err)
		return h.writeError(ctx, ws, status, resp)
	}

	release, ok := h.acquire(req.ApplicationID)
	if !ok {
		return h.writeError(ctx, ws, http.StatusConflict, ErrorResponse{Error: "exchange_in_progress", Status: "error"})
	}
	defer release()

	x, err := h.relay.Send(ctx, req)
	if err != nil {
		status, resp := errorStatus(err)
		h.logger.Warn("websocket message rejected", "status", status, "error", err, "user_id", userID)
		return h.writeError(ctx, ws, status, resp)
	}
	defer func() { _ = x.Close() }()

	for o := range x.Stream() {
		frame := WSFrame{Event: o.Event, ApplicationID: x.ApplicationID, Data: o.Data}
		if err := h.writeJSON(ctx, ws, frame); err != nil {
			return fmt.Errorf("write %s frame: %w", o.Event, err)
		}
	}
	return nil
}

func (h *MessageHandler) writeError(ctx context.Context, ws *websocket.Conn, status int, resp ErrorResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return h.writeJSON(ctx, ws, WSFrame{Event: "error", Status: status, Data: data})
}

func (h *MessageHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *MessageHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}
