package model

import (
	"time"
)

// EventType represents the type of conversation audit event.
type EventType string

const (
	EventTypeCreated  EventType = "created"
	EventTypeReplaced EventType = "replaced"
	EventTypeDeleted  EventType = "deleted"
)

// ConversationEvent is an audit record of a persistence operation. Saves carry
// the full submitted snapshot so that replaced content stays recoverable.
type ConversationEvent struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	OwnerID        string       `json:"owner_id"`
	Type           EventType    `json:"type"`
	Title          string       `json:"title,omitempty"`
	Nodes          []CanvasNode `json:"nodes,omitempty"`
	Edges          []CanvasEdge `json:"edges,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Sequence       uint64       `json:"sequence,omitempty"`

	// SnapshotOmitted is set when the snapshot did not fit in one audit
	// message; the counts still describe it.
	SnapshotOmitted bool `json:"snapshot_omitted,omitempty"`
	NodeCount       int  `json:"node_count,omitempty"`
	EdgeCount       int  `json:"edge_count,omitempty"`
}

// AuditResponse lists the recorded audit events of a conversation.
type AuditResponse struct {
	Events  []ConversationEvent `json:"events"`
	HasMore bool                `json:"has_more"`
}

// NodeEventType is the type of a session node event.
type NodeEventType string

const (
	NodeEventBranched  NodeEventType = "branched"
	NodeEventResolved  NodeEventType = "resolved"
	NodeEventFailed    NodeEventType = "failed"
	NodeEventDropped   NodeEventType = "dropped"
	NodeEventTreeReset NodeEventType = "tree_reset"
)

// NodeEvent notifies session subscribers about tree changes.
type NodeEvent struct {
	Type      NodeEventType `json:"type"`
	SessionID string        `json:"session_id"`
	NodeID    string        `json:"node_id,omitempty"`
	ParentID  string        `json:"parent_id,omitempty"`
	Content   string        `json:"content,omitempty"`
	State     string        `json:"state,omitempty"`
	At        time.Time     `json:"at"`
}

// HeartbeatEvent keeps an idle SSE connection open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
