// Package store maps conversations, nodes and edges onto relational storage.
//
// A Backend exposes one method per storage round trip. Orchestration
// (compensating deletes, full replace) lives in the service layer so that it
// behaves identically across backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
)

// ErrNotFound is returned when no row matches both id and owner.
var ErrNotFound = errors.New("not found")

// NodeRecord is a row of the nodes table.
type NodeRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           model.Role `json:"role"`
	Label          string     `json:"label"`
	PositionX      float64    `json:"position_x"`
	PositionY      float64    `json:"position_y"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// EdgeRecord is a row of the edges table.
type EdgeRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SourceNodeID   string `json:"source_node_id"`
	TargetNodeID   string `json:"target_node_id"`
}

// Backend is the storage boundary. Every conversation read or write that
// takes an owner filters by it.
type Backend interface {
	CreateConversation(ctx context.Context, ownerID, title string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id, ownerID string) (*model.Conversation, error)
	// UpdateConversation bumps updated_at and sets the title when non-nil.
	UpdateConversation(ctx context.Context, id string, title *string) error
	ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error)
	// DeleteConversation reports whether a row was removed.
	DeleteConversation(ctx context.Context, id, ownerID string) (bool, error)

	InsertNodes(ctx context.Context, nodes []NodeRecord) error
	InsertEdges(ctx context.Context, edges []EdgeRecord) error
	DeleteNodes(ctx context.Context, conversationID string) error
	DeleteEdges(ctx context.Context, conversationID string) error
	ListNodes(ctx context.Context, conversationID string) ([]NodeRecord, error)
	ListEdges(ctx context.Context, conversationID string) ([]EdgeRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// Replacer is implemented by backends that can swap a conversation's node and
// edge set in a single transaction.
type Replacer interface {
	ReplaceGraph(ctx context.Context, conversationID string, title *string, nodes []NodeRecord, edges []EdgeRecord) error
}

// NodeRecords converts canvas nodes into rows of conversationID.
func NodeRecords(conversationID string, nodes []model.CanvasNode) []NodeRecord {
	out := make([]NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeRecord{
			ID:             n.ID,
			ConversationID: conversationID,
			Role:           n.Data.Role,
			Label:          n.Data.Label,
			PositionX:      n.Position.X,
			PositionY:      n.Position.Y,
		})
	}
	return out
}

// EdgeRecords converts canvas edges into rows of conversationID.
func EdgeRecords(conversationID string, edges []model.CanvasEdge) []EdgeRecord {
	out := make([]EdgeRecord, 0, len(edges))
	for _, e := range edges {
		out = append(out, EdgeRecord{
			ID:             e.ID,
			ConversationID: conversationID,
			SourceNodeID:   e.Source,
			TargetNodeID:   e.Target,
		})
	}
	return out
}

// Canvas converts a stored node back to its canvas document.
func (r NodeRecord) Canvas() model.CanvasNode {
	return model.CanvasNode{
		ID:       r.ID,
		Type:     model.CanvasNodeType,
		Position: model.Position{X: r.PositionX, Y: r.PositionY},
		Data: model.NodeData{
			Label: r.Label,
			Role:  r.Role,
		},
	}
}

// Canvas converts a stored edge back to its canvas document.
func (r EdgeRecord) Canvas() model.CanvasEdge {
	return model.CanvasEdge{ID: r.ID, Source: r.SourceNodeID, Target: r.TargetNodeID}
}

// Unconfigured is a Backend whose every call fails with a configuration
// error. It keeps the process alive when storage credentials are missing.
type Unconfigured struct {
	Reason string
}

func (u Unconfigured) err() error {
	return apperrors.Configuration(u.Reason)
}

func (u Unconfigured) CreateConversation(context.Context, string, string) (*model.Conversation, error) {
	return nil, u.err()
}

func (u Unconfigured) GetConversation(context.Context, string, string) (*model.Conversation, error) {
	return nil, u.err()
}

func (u Unconfigured) UpdateConversation(context.Context, string, *string) error { return u.err() }

func (u Unconfigured) ListConversations(context.Context, string) ([]model.Conversation, error) {
	return nil, u.err()
}

func (u Unconfigured) DeleteConversation(context.Context, string, string) (bool, error) {
	return false, u.err()
}

func (u Unconfigured) InsertNodes(context.Context, []NodeRecord) error { return u.err() }
func (u Unconfigured) InsertEdges(context.Context, []EdgeRecord) error { return u.err() }
func (u Unconfigured) DeleteNodes(context.Context, string) error       { return u.err() }
func (u Unconfigured) DeleteEdges(context.Context, string) error       { return u.err() }

func (u Unconfigured) ListNodes(context.Context, string) ([]NodeRecord, error) { return nil, u.err() }
func (u Unconfigured) ListEdges(context.Context, string) ([]EdgeRecord, error) { return nil, u.err() }

func (u Unconfigured) Ping(context.Context) error { return u.err() }
func (u Unconfigured) Close() error               { return nil }
