// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/continuum-canvas/continuum/internal/middleware"
	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/internal/service"
	"github.com/continuum-canvas/continuum/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.save(w, r, "", http.StatusCreated)
}

// Update handles PUT /api/v1/conversations/:id
func (h *ConversationHandler) Update(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	h.save(w, r, conversationID, http.StatusOK)
}

func (h *ConversationHandler) save(w http.ResponseWriter, r *http.Request, conversationID string, status int) {
	ctx := r.Context()

	var req model.SaveConversationRequest
	if err := middleware.DecodeJSON(r, &req, false); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	conv, err := h.service.Save(ctx, service.SaveInput{
		ConversationID: conversationID,
		OwnerID:        middleware.GetUserID(ctx),
		Title:          req.Title,
		Nodes:          req.Nodes,
		Edges:          req.Edges,
	})
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, status, &model.ConversationResponse{Conversation: conv})
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	convs, err := h.service.List(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{Conversations: convs})
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	detail, err := h.service.Load(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// Delete handles DELETE /api/v1/conversations/:id
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	if err := h.service.Delete(ctx, conversationID, middleware.GetUserID(ctx)); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// History handles GET /api/v1/conversations/:id/history
// Supports ?after_sequence=N&limit=M for paging through audit events
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	var afterSequence uint64
	if s := r.URL.Query().Get("after_sequence"); s != "" {
		if parsed, err := strconv.ParseUint(s, 10, 64); err == nil {
			afterSequence = parsed
		}
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	resp, err := h.service.History(ctx, conversationID, middleware.GetUserID(ctx), afterSequence, limit)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
