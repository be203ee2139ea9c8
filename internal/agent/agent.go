// Package agent runs a single task against an inference backend. The remote
// runner drives the paid-tier tool loop; the local runner makes one free
// single-shot call. Both render the same system prompt: the task's base
// prompt followed by its typed context entries.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loom/internal/domain"
)

// Result is one finished agent run.
type Result struct {
	Output           string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	ModelUsed        string
}

// Runner executes one task. estimate is the reservation the run was
// dispatched under; runners compare actual spend against it mid-flight.
type Runner interface {
	Run(ctx context.Context, task *domain.Task, estimate float64) (*Result, error)
}

const defaultSystemPrompt = "You are a focused task executor."

// systemPrompt renders the task's system prompt: base followed by one
// [type] block per context entry, in insertion order.
func systemPrompt(task *domain.Task) string {
	base := task.SystemPrompt
	if base == "" {
		base = defaultSystemPrompt
	}
	parts := make([]string, 0, len(task.Context)+1)
	parts = append(parts, base)
	for _, entry := range task.Context {
		parts = append(parts, fmt.Sprintf("[%s]\n%s", entry.Type, entry.Content))
	}
	return strings.Join(parts, "\n")
}

func isContextError(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
