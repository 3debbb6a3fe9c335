package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/internal/middleware"
	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/internal/session"
	"github.com/continuum-canvas/continuum/pkg/logger"
	"github.com/continuum-canvas/continuum/pkg/metrics"
)

// DefaultHeartbeat is the interval between SSE heartbeats.
const DefaultHeartbeat = 30 * time.Second

// SessionHandler handles interactive session endpoints.
type SessionHandler struct {
	manager   *session.Manager
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(manager *session.Manager, heartbeat time.Duration, log *logger.Logger) *SessionHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &SessionHandler{
		manager:   manager,
		logger:    log,
		heartbeat: heartbeat,
	}
}

// session resolves the {sid} parameter to a session of the caller.
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sessionID := chi.URLParam(r, "sid")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeAppError(w, r, h.logger, err)
		return nil, false
	}
	s, err := h.manager.Get(sessionID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return nil, false
	}
	return s, true
}

func displayName(r *http.Request, requested string) string {
	if requested != "" {
		return requested
	}
	return session.DisplayName(middleware.GetEmail(r.Context()))
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.NewSessionRequest
	if err := middleware.DecodeJSON(r, &req, true); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	s := h.manager.Create(middleware.GetUserID(r.Context()), displayName(r, req.DisplayName))
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// Get handles GET /api/v1/sessions/:sid
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// Discard handles DELETE /api/v1/sessions/:sid
func (h *SessionHandler) Discard(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sid")
	if err := h.manager.Discard(sessionID, middleware.GetUserID(r.Context())); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// New handles POST /api/v1/sessions/:sid/new
func (h *SessionHandler) New(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req model.NewSessionRequest
	if err := middleware.DecodeJSON(r, &req, true); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, s.New(displayName(r, req.DisplayName)))
}

// Load handles POST /api/v1/sessions/:sid/load
func (h *SessionHandler) Load(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req model.LoadSessionRequest
	if err := middleware.DecodeJSON(r, &req, false); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	snapshot, err := s.Load(r.Context(), req.ConversationID)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Save handles POST /api/v1/sessions/:sid/save
func (h *SessionHandler) Save(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req model.SaveSessionRequest
	if err := middleware.DecodeJSON(r, &req, true); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	conv, err := s.Save(r.Context(), req.Title)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.ConversationResponse{Conversation: conv})
}

// Branch handles POST /api/v1/sessions/:sid/branch
// The reply arrives later through the events stream or the snapshot.
func (h *SessionHandler) Branch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req model.BranchRequest
	if err := middleware.DecodeJSON(r, &req, false); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	res, err := s.Branch(req.ParentID, req.Text)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, &model.BranchResponse{
		UserNodeID:      res.UserID,
		AssistantNodeID: res.AssistantID,
	})
}

// History handles GET /api/v1/sessions/:sid/history/:nodeID
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	nodeID := chi.URLParam(r, "nodeID")
	if err := middleware.ValidateNodeID(nodeID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	messages, err := s.HistoryTo(nodeID)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.HistoryResponse{NodeID: nodeID, Messages: messages})
}

// CancelTask handles DELETE /api/v1/sessions/:sid/tasks/:nodeID
func (h *SessionHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.Cancel(chi.URLParam(r, "nodeID")); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Events handles GET /api/v1/sessions/:sid/events
// The first event is the current snapshot; node events follow as they happen.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Error("failed to clear SSE write deadline", zap.String("session_id", s.ID()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the snapshot so nothing falls between them.
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	if err := sendSSEEvent(w, flusher, "snapshot", s.Snapshot()); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", s.ID()))
			return

		case ev, open := <-events:
			if !open {
				_ = sendSSEEvent(w, flusher, "closed", map[string]string{"session_id": s.ID()})
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
