// Package llm provides chat-model clients for the providers the
// orchestrator can route to, plus the role registry that names them.
package llm

import "context"

// Message is one chat message in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolDefinition describes a callable tool in provider-neutral form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Request is one generation request.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Response is a completed generation.
type Response struct {
	Text      string
	ToolCalls []*ToolCall
	Tokens    int
}

// StreamChunk is one unit of a streamed generation.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Err      error
}

// Provider is a chat-capable model backend.
type Provider interface {
	ModelName() string

	// Generate runs one blocking completion.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream runs one streaming completion. The channel closes after a
	// terminal "done" or "error" chunk.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	Close() error
}
