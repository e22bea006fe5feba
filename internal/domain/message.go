package domain

import (
	"encoding/json"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation groups messages inside a workspace
type Conversation struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	TokenUsage   int       `json:"token_usage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateConversationRequest is the request to create a conversation
type CreateConversationRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	Title       string `json:"title,omitempty"`
}

// Message is a stored conversation message.
// Assistant messages double as generation records.
type Message struct {
	ID               string             `json:"id"`
	ConversationID   string             `json:"conversation_id"`
	Role             string             `json:"role"`
	Content          string             `json:"content"`
	Status           Status             `json:"status"`
	Sources          []string           `json:"sources,omitempty"`
	Citations        json.RawMessage    `json:"citations,omitempty"`
	TokensUsed       *int               `json:"tokens_used,omitempty"`
	GenerationTime   *int               `json:"generation_time,omitempty"`
	ModelUsed        *string            `json:"model_used,omitempty"`
	ErrorMessage     *string            `json:"error_message,omitempty"`
	GenerationParams *GenerationOptions `json:"generation_params,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// StatusResponse builds the polling view of the message
func (m *Message) StatusResponse() *StatusResponse {
	return &StatusResponse{
		MessageID:      m.ID,
		Status:         string(m.Status),
		Content:        m.Content,
		Sources:        nonNilSources(m.Sources),
		Citations:      m.Citations,
		TokensUsed:     m.TokensUsed,
		GenerationTime: m.GenerationTime,
		ModelUsed:      m.ModelUsed,
		ErrorMessage:   m.ErrorMessage,
	}
}

func nonNilSources(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
