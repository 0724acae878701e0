// Package llm defines the chat-completion and embedding ports.
package llm

import (
	"context"
	"encoding/json"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model. Arguments is the
// raw JSON the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of the model input.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolDefinition advertises a tool with a JSON schema for its arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is one model turn. APIKey and Model come from the agent.
type ChatRequest struct {
	APIKey   string
	Model    string
	Messages []Message
	Tools    []ToolDefinition
}

// ChatResponse is the assistant message of one turn.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	TokensIn     int
	TokensOut    int
}

// ChatModel runs one chat-completion turn.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, apiKey string, texts []string) ([][]float32, error)
}
