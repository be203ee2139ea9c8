package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"loom/internal/budget"
	"loom/internal/domain"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/progress"
	"loom/internal/tools"
)

// budgetEpsilon is the probe amount for the mid-loop spend check.
const budgetEpsilon = 0.001

// RemoteConfig carries remote runner settings.
type RemoteConfig struct {
	// MaxToolRounds bounds the call-tool-call loop per task.
	MaxToolRounds int
	Logger        logging.Logger
}

// Remote drives the paid-tier tool loop: call the model, execute requested
// tools, feed results back, repeat until the model stops asking or the
// budget runs out.
type Remote struct {
	client    llm.Client
	router    *llm.Router
	budget    *budget.Manager
	registry  *tools.Registry
	bus       *progress.Bus
	maxRounds int
	logger    logging.Logger
}

var _ Runner = (*Remote)(nil)

// NewRemote builds the remote runner.
func NewRemote(client llm.Client, router *llm.Router, b *budget.Manager, registry *tools.Registry, bus *progress.Bus, cfg RemoteConfig) *Remote {
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &Remote{
		client:    client,
		router:    router,
		budget:    b,
		registry:  registry,
		bus:       bus,
		maxRounds: maxRounds,
		logger:    logging.OrNop(cfg.Logger),
	}
}

// Run executes the task's tool loop. Per-round spend is recorded as it
// happens; when actual cost exceeds the dispatch estimate and the global
// budget refuses further spend, the loop stops and the partial result is
// returned rather than discarded.
func (r *Remote) Run(ctx context.Context, task *domain.Task, estimate float64) (*Result, error) {
	model := r.router.ModelID(task.ModelTier)
	system := systemPrompt(task)
	toolDefs := r.registry.Definitions(task.Tools)
	messages := []llm.Message{{Role: "user", Content: task.Description}}

	var texts []string
	totals := Result{ModelUsed: model}

	for round := 0; round < r.maxRounds; round++ {
		resp, err := r.client.Complete(ctx, llm.Request{
			Model:     model,
			System:    system,
			Messages:  messages,
			Tools:     toolDefs,
			MaxTokens: task.MaxTokens,
		})
		if err != nil {
			return nil, err
		}

		roundCost := r.router.Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		totals.PromptTokens += resp.Usage.PromptTokens
		totals.CompletionTokens += resp.Usage.CompletionTokens
		totals.CostUSD += roundCost
		r.recordRound(ctx, task, model, resp, roundCost)

		if resp.Content != "" {
			texts = append(texts, resp.Content)
		}
		if len(resp.ToolCalls) == 0 {
			break
		}
		if exhausted := r.budgetExhausted(ctx, task, totals.CostUSD, estimate, round); exhausted {
			break
		}

		results, err := r.runTools(ctx, task, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, results...)
	}

	totals.Output = strings.Join(texts, "\n")
	totals.CostUSD = round6(totals.CostUSD)
	return &totals, nil
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// runTools executes the round's tool calls in order. Tool failures become
// result text the model can react to; only context cancellation aborts.
func (r *Remote) runTools(ctx context.Context, task *domain.Task, calls []llm.ToolCall) ([]llm.Message, error) {
	results := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		r.publish(ctx, task, domain.EventToolCall, fmt.Sprintf("Calling %s", call.Name),
			map[string]any{"tool": call.Name})

		params := make(map[string]any, len(call.Input)+1)
		for k, v := range call.Input {
			params[k] = v
		}
		if call.Name == "read_file" || call.Name == "write_file" {
			params["project_id"] = task.ProjectID
		}

		output, err := r.registry.Execute(ctx, call.Name, params)
		switch {
		case err == nil:
		case isContextError(ctx, err):
			return nil, err
		case errors.Is(err, tools.ErrUnknownTool):
			output = fmt.Sprintf("Unknown tool: %s", call.Name)
		default:
			output = fmt.Sprintf("Tool error: %v", err)
		}
		results = append(results, llm.Message{Role: "tool", Content: output, ToolCallID: call.ID})
	}
	return results, nil
}

// budgetExhausted reports whether the loop must stop for money reasons:
// actual spend passed the reservation and the global budget refuses even an
// epsilon more.
func (r *Remote) budgetExhausted(ctx context.Context, task *domain.Task, spent, estimate float64, round int) bool {
	if spent <= estimate {
		return false
	}
	ok, err := r.budget.CanSpend(ctx, budgetEpsilon)
	if err != nil {
		r.logger.Warn("Budget check failed for task %s: %v", task.ID, err)
		return false
	}
	if !ok {
		r.logger.Warn("Budget exhausted mid-tool-loop for task %s after %d rounds, returning partial result",
			task.ID, round+1)
	}
	return !ok
}

func (r *Remote) recordRound(ctx context.Context, task *domain.Task, model string, resp *llm.Response, cost float64) {
	provider := resp.Provider
	if provider == "" {
		provider = llm.ProviderAnthropic
	}
	if err := r.budget.Record(ctx, &domain.UsageEntry{
		ProjectID:        task.ProjectID,
		TaskID:           task.ID,
		Model:            model,
		Provider:         provider,
		Purpose:          "execution",
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
	}); err != nil {
		r.logger.Error("Could not record execution usage for task %s: %v", task.ID, err)
	}
}

func (r *Remote) publish(ctx context.Context, task *domain.Task, eventType, message string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(ctx, &domain.TaskEvent{
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		EventType: eventType,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("Could not publish %s event for task %s: %v", eventType, task.ID, err)
	}
}

