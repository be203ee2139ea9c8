package agent

import (
	"context"

	"loom/internal/budget"
	"loom/internal/domain"
	"loom/internal/llm"
	"loom/internal/logging"
)

// Local runs a task as one free single-shot call against the local backend.
// No tools, no loop; token counts are whatever the backend reports.
type Local struct {
	client llm.Client
	budget *budget.Manager
	logger logging.Logger
}

var _ Runner = (*Local)(nil)

// NewLocal builds the local runner on an already-configured client.
func NewLocal(client llm.Client, b *budget.Manager, logger logging.Logger) *Local {
	return &Local{
		client: client,
		budget: b,
		logger: logging.OrNop(logger),
	}
}

// Run makes the single generate call and records the zero-cost usage row.
func (l *Local) Run(ctx context.Context, task *domain.Task, _ float64) (*Result, error) {
	resp, err := l.client.Complete(ctx, llm.Request{
		System:   systemPrompt(task),
		Messages: []llm.Message{{Role: "user", Content: task.Description}},
	})
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = l.client.Model()
	}
	if err := l.budget.Record(ctx, &domain.UsageEntry{
		ProjectID:        task.ProjectID,
		TaskID:           task.ID,
		Model:            model,
		Provider:         llm.ProviderOllama,
		Purpose:          "execution",
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}); err != nil {
		l.logger.Error("Could not record execution usage for task %s: %v", task.ID, err)
	}

	return &Result{
		Output:           resp.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          0,
		ModelUsed:        model,
	}, nil
}
