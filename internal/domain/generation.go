package domain

import (
	"encoding/json"
	"strings"
)

// Status is the lifecycle state of a generation
type Status string

// Generation statuses
const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// ParseStatus normalizes a status string reported by the backend.
// The second return value is false for statuses this client does not know.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return StatusIdle, true
	case "pending", "queued":
		return StatusPending, true
	case "streaming", "processing", "running":
		return StatusStreaming, true
	case "complete", "completed", "success":
		return StatusComplete, true
	case "error", "failed":
		return StatusError, true
	}
	return "", false
}

// Terminal reports whether no further mutation is permitted
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Generating reports whether a generation is in flight
func (s Status) Generating() bool {
	return s == StatusPending || s == StatusStreaming
}

// Prompt types understood by the backend pipeline
const (
	PromptTypeQA      = "qa"
	PromptTypeSummary = "summary"
	PromptTypeCompare = "compare"
	PromptTypeExtract = "extract"
)

// GenerationOptions is the configuration bundle sent with a request.
// Values are passed through to the backend without interpretation.
type GenerationOptions struct {
	PromptType       string   `json:"prompt_type,omitempty" mapstructure:"prompt_type"`
	Temperature      *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	Provider         string   `json:"provider,omitempty" mapstructure:"provider"`
	Model            string   `json:"model,omitempty" mapstructure:"model"`
	MaxContextTokens int      `json:"max_context_tokens,omitempty" mapstructure:"max_context_tokens"`
	TopK             int      `json:"top_k,omitempty" mapstructure:"top_k"`
	MaxOutputTokens  int      `json:"llm_max_tokens,omitempty" mapstructure:"max_output_tokens"`
	VerifyCitations  *bool    `json:"verify_citations,omitempty" mapstructure:"verify_citations"`
}

// GenerationRequest is an immutable request to generate an answer
type GenerationRequest struct {
	Query          string `json:"query" binding:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
	WorkspaceID    string `json:"workspace_id,omitempty"`
	GenerationOptions
}

// Metrics describes a completed generation
type Metrics struct {
	TokensUsed     *int   `json:"tokens_used,omitempty"`
	GenerationTime *int   `json:"generation_time,omitempty"` // milliseconds
	ModelUsed      string `json:"model_used,omitempty"`
}

// Empty reports whether no metric was reported
func (m *Metrics) Empty() bool {
	return m == nil || (m.TokensUsed == nil && m.GenerationTime == nil && m.ModelUsed == "")
}

// SubmitResponse is returned by the submit endpoint
type SubmitResponse struct {
	MessageID string          `json:"message_id"`
	Status    string          `json:"status"`
	Content   string          `json:"content"`
	Sources   []string        `json:"sources"`
	Citations json.RawMessage `json:"citations,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// StatusResponse is returned by the status endpoint
type StatusResponse struct {
	MessageID      string          `json:"message_id"`
	Status         string          `json:"status"`
	Content        string          `json:"content"`
	Sources        []string        `json:"sources"`
	Citations      json.RawMessage `json:"citations,omitempty"`
	TokensUsed     *int            `json:"tokens_used,omitempty"`
	GenerationTime *int            `json:"generation_time,omitempty"`
	ModelUsed      *string         `json:"model_used,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
}

// Metrics extracts the metric fields of a status response
func (r *StatusResponse) Metrics() *Metrics {
	m := &Metrics{
		TokensUsed:     r.TokensUsed,
		GenerationTime: r.GenerationTime,
	}
	if r.ModelUsed != nil {
		m.ModelUsed = *r.ModelUsed
	}
	if m.Empty() {
		return nil
	}
	return m
}

// GenerationResult is produced by a generator when it finishes
type GenerationResult struct {
	Content   string
	Sources   []string
	Citations json.RawMessage
	Metrics   Metrics
}
