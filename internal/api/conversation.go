package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/buildrelay/internal/conversation"
	"github.com/ashureev/buildrelay/internal/domain"
	"github.com/ashureev/buildrelay/internal/identity"
	"github.com/ashureev/buildrelay/internal/store"
)

// PromptHistory reads the durable prompt log of applications.
type PromptHistory interface {
	ApplicationOwner(ctx context.Context, applicationID string) (string, error)
	ListPrompts(ctx context.Context, applicationID string) ([]domain.Prompt, error)
}

// ConversationHandler serves read-only views of conversations.
type ConversationHandler struct {
	conversations conversation.Store
	history       PromptHistory
	logger        *slog.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(conversations conversation.Store, history PromptHistory, logger *slog.Logger) *ConversationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{conversations: conversations, history: history, logger: logger}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/apps/{applicationId}/history", h.GetHistory)
	r.Get("/api/conversations/{applicationId}", h.GetConversation)
}

// GetHistory returns the logged prompts of an application owned by the caller.
func (h *ConversationHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	applicationID := chi.URLParam(r, "applicationId")

	owner, err := h.history.ApplicationOwner(r.Context(), applicationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && owner != userID) {
		Error(w, http.StatusNotFound, "application not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load application owner", "error", err, "application_id", applicationID)
		Error(w, http.StatusInternalServerError, "internal server error")
		return
	}

	prompts, err := h.history.ListPrompts(r.Context(), applicationID)
	if err != nil {
		h.logger.Error("failed to list prompts", "error", err, "application_id", applicationID)
		Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if prompts == nil {
		prompts = []domain.Prompt{}
	}
	JSON(w, http.StatusOK, prompts)
}

// GetConversation returns the stored conversation record for debugging.
// Records of other users are reported as missing.
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	applicationID := chi.URLParam(r, "applicationId")

	rec, err := h.conversations.Get(r.Context(), applicationID)
	if errors.Is(err, conversation.ErrNotFound) || errors.Is(err, conversation.ErrInvalidID) ||
		(err == nil && rec.UserID != "" && rec.UserID != userID) {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load conversation", "error", err, "application_id", applicationID)
		Error(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := map[string]any{
		"applicationId": rec.ApplicationID,
		"traceId":       rec.TraceID,
		"agentState":    rec.AgentState,
		"allMessages":   rec.AllMessages,
		"createdAt":     rec.CreatedAt,
		"updatedAt":     rec.UpdatedAt,
	}
	if last, err := h.conversations.GetByTraceID(r.Context(), rec.TraceID); err == nil {
		resp["lastEvent"] = last
		resp["resumable"] = true
	} else {
		resp["resumable"] = false
	}
	JSON(w, http.StatusOK, resp)
}
