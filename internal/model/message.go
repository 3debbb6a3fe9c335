package model

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ChatMessage is one entry of a conversation history sent for completion.
type ChatMessage struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// CompletionRequest is the body of POST /api/v1/chat.
type CompletionRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// CompletionResponse is the reply of POST /api/v1/chat. Failures are reported
// in the same shape with an "Error: " prefixed reply.
type CompletionResponse struct {
	Reply string `json:"reply"`
}
