package harnessports

import (
	"context"
)

// Roles used in PromptMessage.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PromptMessage is one turn of a conversation.
type PromptMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ImageURL   string     `json:"image_url,omitempty"`    // http(s) or data: URL attached to a user turn
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant turns that requested tools
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool turns answering a call
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // high-level system/developer instructions
	Messages []PromptMessage   // ordered chat history
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing/caching keys
}

// Options controls sampling, limits, determinism, and tool preferences.
type Options struct {
	Model        string
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Seed         int
	Stop         []string
	// ToolChoice: "auto" | "none" | specific tool name (if the provider supports it)
	ToolChoice string
	// JSONMode asks the provider for a JSON object response
	JSONMode bool
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Provider is the abstraction for all LLM backends.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}

// Transcriber turns recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, fileName string, audio []byte) (string, error)
}
