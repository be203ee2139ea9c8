// Package llm provides wire clients for the inference backends the engine
// talks to: the Anthropic Messages API for paid tiers and the Ollama generate
// API for local models. A Router resolves model tiers to concrete model ids,
// prices token usage, and owns the fixed tables recommending a tier and tool
// set per task shape.
package llm

import (
	"context"
	"time"

	"loom/internal/logging"
)

// Provider names recorded in the usage log.
const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Message is one turn of a conversation. Role is "user", "assistant",
// "system", or "tool"; tool messages carry the result for ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Usage counts tokens for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is a single completion call. Model overrides the client default
// when set; MaxTokens falls back to the client default when zero.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Response is a parsed completion. Content joins all text blocks; ToolCalls
// holds any tool_use blocks in order.
type Response struct {
	ID         string
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
	Model      string
	Provider   string
}

// Client is a synchronous completion backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// Config carries connection settings shared by the wire clients.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Logger  logging.Logger
}
