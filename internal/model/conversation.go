// Package model defines data structures for the conversation canvas.
package model

import (
	"time"
)

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "Untitled Conversation"

// CanvasNodeType is the node type understood by the canvas renderer.
const CanvasNodeType = "chatNode"

// Conversation is the persisted container of one tree. OwnerID is never
// serialised to clients.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the payload of a canvas node.
type NodeData struct {
	Label string `json:"label" validate:"maxbytes"`
	Role  Role   `json:"role" validate:"required,oneof=system user assistant"`
	State string `json:"state,omitempty"`
}

// CanvasNode is a message node in the shape the canvas consumes.
type CanvasNode struct {
	ID       string   `json:"id" validate:"required,max=128"`
	Type     string   `json:"type,omitempty"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
}

// CanvasEdge is a reply link between two canvas nodes.
type CanvasEdge struct {
	ID     string `json:"id" validate:"required,max=256"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
}

// SaveConversationRequest is the body of POST and PUT on conversations. A nil
// Edges slice means the field was absent; an empty slice is valid.
type SaveConversationRequest struct {
	Title *string      `json:"title,omitempty" validate:"omitempty,max=256"`
	Nodes []CanvasNode `json:"nodes"`
	Edges []CanvasEdge `json:"edges"`
}

// ConversationResponse wraps a single conversation summary.
type ConversationResponse struct {
	Conversation *Conversation `json:"conversation"`
}

// ConversationDetail is a conversation with its full node and edge set.
type ConversationDetail struct {
	Conversation *Conversation `json:"conversation"`
	Nodes        []CanvasNode  `json:"nodes"`
	Edges        []CanvasEdge  `json:"edges"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}
