package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/internal/middleware"
	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/internal/service"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
)

// ChatHandler proxies one completion request to the configured provider.
type ChatHandler struct {
	service *service.CompletionService
	logger  *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc *service.CompletionService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		service: svc,
		logger:  log,
	}
}

// Complete handles POST /api/v1/chat
// Failures keep the reply shape so that the canvas can show them in place.
func (h *ChatHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req model.CompletionRequest
	if err := middleware.DecodeJSON(r, &req, false); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	reply, err := h.service.Complete(r.Context(), req.Messages)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.CompletionResponse{Reply: reply})
}

func (h *ChatHandler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	status := http.StatusInternalServerError
	if kind == apperrors.KindValidation {
		status = http.StatusBadRequest
	} else {
		h.logger.Warn("chat completion failed",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	writeJSON(w, status, &model.CompletionResponse{Reply: "Error: " + apperrors.Message(err)})
}
