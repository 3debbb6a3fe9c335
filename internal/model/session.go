package model

// SessionSnapshot is the current state of an interactive session.
type SessionSnapshot struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Generation     uint64       `json:"generation"`
	Nodes          []CanvasNode `json:"nodes"`
	Edges          []CanvasEdge `json:"edges"`
	Pending        []string     `json:"pending"`
}

// NewSessionRequest creates or resets a session.
type NewSessionRequest struct {
	DisplayName string `json:"display_name,omitempty" validate:"max=128"`
}

// LoadSessionRequest loads a persisted conversation into a session.
type LoadSessionRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// SaveSessionRequest saves a session's tree.
type SaveSessionRequest struct {
	Title string `json:"title,omitempty" validate:"max=256"`
}

// BranchRequest appends a user message below ParentID.
type BranchRequest struct {
	ParentID string `json:"parent_id" validate:"required"`
	Text     string `json:"text" validate:"required,maxbytes"`
}

// BranchResponse carries the identifiers created by a branch.
type BranchResponse struct {
	UserNodeID      string `json:"user_node_id"`
	AssistantNodeID string `json:"assistant_node_id"`
}

// HistoryResponse is the root-first message history of a node.
type HistoryResponse struct {
	NodeID   string        `json:"node_id"`
	Messages []ChatMessage `json:"messages"`
}
