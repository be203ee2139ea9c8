// Package tools implements the capabilities agents may call during task
// execution: sandboxed workspace files, knowledge search, local model
// inference, and image generation. Tools report recoverable problems
// (missing files, unreachable backends) in their result text so the model
// can read and react to them; returned errors are reserved for failures
// the caller must handle itself.
package tools

import (
	"context"

	"loom/internal/llm"
)

// Tool is a named capability with a JSON-Schema input contract.
type Tool interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, params map[string]any) (string, error)
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
