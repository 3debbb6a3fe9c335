package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/internal/middleware"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeAppError maps err to its status and public message. Server-side
// failures are logged with their cause.
func writeAppError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := apperrors.StatusFor(apperrors.KindOf(err))
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.Error(err),
		)
	}
	writeError(w, status, apperrors.Message(err))
}
