// Package service provides business logic for the conversation canvas.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/internal/store"
	"github.com/continuum-canvas/continuum/internal/tree"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
	"github.com/continuum-canvas/continuum/pkg/metrics"
	"github.com/continuum-canvas/continuum/pkg/tracing"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
	auditTimeout      = 5 * time.Second
)

// AuditLog records persistence operations and reads them back.
type AuditLog interface {
	PublishConversationEvent(ctx context.Context, event *model.ConversationEvent) error
	ConversationEvents(ctx context.Context, ownerID, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, bool, error)
}

// ConversationOptions tunes persistence behaviour.
type ConversationOptions struct {
	// AtomicReplace runs full replaces in one transaction when the backend
	// supports it.
	AtomicReplace bool
	// DeleteMissingIsError makes deleting a missing conversation a not found
	// error instead of a no-op.
	DeleteMissingIsError bool
}

// SaveInput is a save request for one conversation. An empty ConversationID
// creates a new conversation. A nil Edges slice is rejected; an empty one is
// valid.
type SaveInput struct {
	ConversationID string
	OwnerID        string
	Title          *string
	Nodes          []model.CanvasNode
	Edges          []model.CanvasEdge
}

// ConversationService persists conversation trees.
type ConversationService struct {
	store  store.Backend
	audit  AuditLog
	opts   ConversationOptions
	logger *logger.Logger
	tracer trace.Tracer
}

// NewConversationService creates a new conversation service.
func NewConversationService(backend store.Backend, audit AuditLog, opts ConversationOptions, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  backend,
		audit:  audit,
		opts:   opts,
		logger: log.Named("conversations"),
		tracer: tracing.Tracer("continuum/service/conversations"),
	}
}

// ValidateSnapshot checks a submitted node and edge set without touching
// storage.
func ValidateSnapshot(nodes []model.CanvasNode, edges []model.CanvasEdge) error {
	if len(nodes) == 0 {
		return apperrors.Validation("Nodes array is required")
	}
	if edges == nil {
		return apperrors.Validation("Edges array is required")
	}
	for i := range nodes {
		if err := model.Validate(&nodes[i]); err != nil {
			return apperrors.Validation(fmt.Sprintf("node %d: %v", i, err))
		}
	}
	for i := range edges {
		if err := model.Validate(&edges[i]); err != nil {
			return apperrors.Validation(fmt.Sprintf("edge %d: %v", i, err))
		}
	}
	if _, err := tree.FromCanvas(nodes, edges); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err.Error(), err)
	}
	return nil
}

// Save creates or fully replaces a conversation and returns its summary.
func (s *ConversationService) Save(ctx context.Context, in SaveInput) (*model.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.Save", trace.WithAttributes(
		attribute.String("conversation.id", in.ConversationID),
		attribute.Int("conversation.nodes", len(in.Nodes)),
		attribute.Int("conversation.edges", len(in.Edges)),
	))
	defer span.End()

	if err := ValidateSnapshot(in.Nodes, in.Edges); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	var (
		conv      *model.Conversation
		err       error
		path      = "replace"
		eventType = model.EventTypeReplaced
	)
	if in.ConversationID == "" {
		path, eventType = "create", model.EventTypeCreated
		conv, err = s.create(ctx, in)
	} else {
		conv, err = s.replace(ctx, in)
	}
	if err != nil {
		metrics.ConversationSavesTotal.WithLabelValues(path, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return nil, err
	}
	metrics.ConversationSavesTotal.WithLabelValues(path, "success").Inc()
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	s.logger.Info("conversation saved",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", in.OwnerID),
		zap.String("path", path),
		zap.Int("nodes", len(in.Nodes)),
		zap.Int("edges", len(in.Edges)),
	)

	s.publish(ctx, &model.ConversationEvent{
		ConversationID: conv.ID,
		OwnerID:        in.OwnerID,
		Type:           eventType,
		Title:          conv.Title,
		Nodes:          in.Nodes,
		Edges:          in.Edges,
	})

	return conv, nil
}

func (s *ConversationService) create(ctx context.Context, in SaveInput) (*model.Conversation, error) {
	title := model.DefaultConversationTitle
	if in.Title != nil && strings.TrimSpace(*in.Title) != "" {
		title = *in.Title
	}

	conv, err := s.store.CreateConversation(ctx, in.OwnerID, title)
	if err != nil {
		return nil, persistenceError("create conversation", err)
	}

	if err := s.store.InsertNodes(ctx, store.NodeRecords(conv.ID, in.Nodes)); err != nil {
		s.compensate(ctx, conv.ID, in.OwnerID, err)
		return nil, persistenceError("insert nodes", err)
	}

	if len(in.Edges) > 0 {
		if err := s.store.InsertEdges(ctx, store.EdgeRecords(conv.ID, in.Edges)); err != nil {
			s.compensate(ctx, conv.ID, in.OwnerID, err)
			return nil, persistenceError("insert edges", err)
		}
	}

	return conv, nil
}

// compensate removes a half-created conversation. It is attempted once;
// failures are logged and counted, never surfaced.
func (s *ConversationService) compensate(ctx context.Context, conversationID, ownerID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	if _, err := s.store.DeleteConversation(ctx, conversationID, ownerID); err != nil {
		metrics.CompensationsTotal.WithLabelValues("error").Inc()
		s.logger.Error("compensating delete failed",
			zap.String("conversation_id", conversationID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	metrics.CompensationsTotal.WithLabelValues("success").Inc()
	s.logger.Warn("rolled back partially created conversation",
		zap.String("conversation_id", conversationID),
		zap.NamedError("cause", cause),
	)
}

func (s *ConversationService) replace(ctx context.Context, in SaveInput) (*model.Conversation, error) {
	if _, err := s.store.GetConversation(ctx, in.ConversationID, in.OwnerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("Conversation")
		}
		return nil, persistenceError("get conversation", err)
	}

	nodes := store.NodeRecords(in.ConversationID, in.Nodes)
	edges := store.EdgeRecords(in.ConversationID, in.Edges)

	if replacer, ok := s.store.(store.Replacer); ok && s.opts.AtomicReplace {
		if err := replacer.ReplaceGraph(ctx, in.ConversationID, in.Title, nodes, edges); err != nil {
			return nil, persistenceError("replace conversation", err)
		}
	} else {
		// Separate round trips: a failure after the deletes leaves the
		// conversation empty until the next save.
		if err := s.store.UpdateConversation(ctx, in.ConversationID, in.Title); err != nil {
			return nil, persistenceError("update conversation", err)
		}
		if err := s.store.DeleteEdges(ctx, in.ConversationID); err != nil {
			return nil, persistenceError("delete edges", err)
		}
		if err := s.store.DeleteNodes(ctx, in.ConversationID); err != nil {
			return nil, persistenceError("delete nodes", err)
		}
		if err := s.store.InsertNodes(ctx, nodes); err != nil {
			return nil, persistenceError("insert nodes", err)
		}
		if len(edges) > 0 {
			if err := s.store.InsertEdges(ctx, edges); err != nil {
				return nil, persistenceError("insert edges", err)
			}
		}
	}

	conv, err := s.store.GetConversation(ctx, in.ConversationID, in.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("Conversation")
		}
		return nil, persistenceError("get conversation", err)
	}
	return conv, nil
}

// Load returns a conversation with its nodes and edges.
func (s *ConversationService) Load(ctx context.Context, id, ownerID string) (*model.ConversationDetail, error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.Load", trace.WithAttributes(
		attribute.String("conversation.id", id),
	))
	defer span.End()

	conv, err := s.store.GetConversation(ctx, id, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("Conversation")
		}
		return nil, persistenceError("get conversation", err)
	}

	var (
		nodeRows []store.NodeRecord
		edgeRows []store.EdgeRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		nodeRows, err = s.store.ListNodes(gctx, id)
		if err != nil {
			return persistenceError("list nodes", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		edgeRows, err = s.store.ListEdges(gctx, id)
		if err != nil {
			return persistenceError("list edges", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}

	detail := &model.ConversationDetail{
		Conversation: conv,
		Nodes:        make([]model.CanvasNode, 0, len(nodeRows)),
		Edges:        make([]model.CanvasEdge, 0, len(edgeRows)),
	}
	for _, r := range nodeRows {
		detail.Nodes = append(detail.Nodes, r.Canvas())
	}
	for _, r := range edgeRows {
		detail.Edges = append(detail.Edges, r.Canvas())
	}
	return detail, nil
}

// List returns the owner's conversations, most recently updated first.
func (s *ConversationService) List(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.List")
	defer span.End()

	convs, err := s.store.ListConversations(ctx, ownerID)
	if err != nil {
		return nil, persistenceError("list conversations", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return convs, nil
}

// Delete removes a conversation and, by cascade, its nodes and edges.
func (s *ConversationService) Delete(ctx context.Context, id, ownerID string) error {
	ctx, span := s.tracer.Start(ctx, "ConversationService.Delete", trace.WithAttributes(
		attribute.String("conversation.id", id),
	))
	defer span.End()

	deleted, err := s.store.DeleteConversation(ctx, id, ownerID)
	if err != nil {
		return persistenceError("delete conversation", err)
	}
	if !deleted {
		if s.opts.DeleteMissingIsError {
			return apperrors.NotFound("Conversation")
		}
		return nil
	}

	s.logger.Info("conversation deleted",
		zap.String("conversation_id", id),
		zap.String("user_id", ownerID),
	)
	s.publish(ctx, &model.ConversationEvent{
		ConversationID: id,
		OwnerID:        ownerID,
		Type:           model.EventTypeDeleted,
	})
	return nil
}

// History returns the recorded audit events of a conversation. Events are
// scoped to the owner, so deleted conversations keep their trail.
func (s *ConversationService) History(ctx context.Context, id, ownerID string, afterSequence uint64, limit int) (*model.AuditResponse, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	events, hasMore, err := s.audit.ConversationEvents(ctx, ownerID, id, afterSequence, limit)
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to read audit events", err)
	}
	return &model.AuditResponse{Events: events, HasMore: hasMore}, nil
}

// publish records an audit event. It is best-effort and never fails the
// operation that triggered it.
func (s *ConversationService) publish(ctx context.Context, event *model.ConversationEvent) {
	event.ID = uuid.Must(uuid.NewV7()).String()
	event.CreatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	if err := s.audit.PublishConversationEvent(ctx, event); err != nil {
		metrics.AuditEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		s.logger.Warn("failed to publish audit event",
			zap.String("conversation_id", event.ConversationID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
		return
	}
	metrics.AuditEventsTotal.WithLabelValues(string(event.Type), "success").Inc()
}

// persistenceError wraps storage failures. Errors that already carry a kind,
// such as an unconfigured backend, pass through.
func persistenceError(op string, err error) error {
	if apperrors.KindOf(err) != apperrors.KindInternal {
		return err
	}
	return apperrors.Persistence(op, err)
}
