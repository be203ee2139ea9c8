// Package verifier runs the cheap-model check on completed task output.
// A verification verdict never blocks the pipeline by itself: unparseable
// responses escalate to human review and verifier transport errors are
// coerced to skipped by the caller.
package verifier

import (
	"context"
	"strings"

	"loom/internal/budget"
	"loom/internal/domain"
	"loom/internal/jsonx"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/prompts"
)

// Config carries verifier settings.
type Config struct {
	// Model is the verification model id; empty falls back to the haiku tier.
	Model string
	// MaxTokens caps the verdict completion.
	MaxTokens int
	Logger    logging.Logger
}

// Verifier grades task output against the task's intent.
type Verifier struct {
	budget    *budget.Manager
	client    llm.Client
	router    *llm.Router
	model     string
	maxTokens int
	logger    logging.Logger
}

// New builds a Verifier on the completion client.
func New(b *budget.Manager, client llm.Client, router *llm.Router, cfg Config) *Verifier {
	model := cfg.Model
	if model == "" {
		model = router.ModelID(domain.TierHaiku)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Verifier{
		budget:    b,
		client:    client,
		router:    router,
		model:     model,
		maxTokens: maxTokens,
		logger:    logging.OrNop(cfg.Logger),
	}
}

// Result is one verification verdict.
type Result struct {
	Status  domain.VerificationStatus `json:"result"`
	Notes   string                    `json:"notes"`
	CostUSD float64                   `json:"cost_usd"`
}

type verdictPayload struct {
	Verdict string `json:"verdict"`
	Notes   string `json:"notes"`
}

// Verify grades the task's output. Spend is recorded before the verdict is
// parsed so a malformed response still bills. Unknown verdicts count as
// passed; an unparseable response escalates to human review.
func (v *Verifier) Verify(ctx context.Context, task *domain.Task) (*Result, error) {
	resp, err := v.client.Complete(ctx, llm.Request{
		Model:     v.model,
		System:    prompts.VerificationSystem(),
		Messages:  []llm.Message{{Role: "user", Content: prompts.VerificationUser(task.Title, task.Description, task.OutputText)}},
		MaxTokens: v.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = v.model
	}
	provider := resp.Provider
	if provider == "" {
		provider = llm.ProviderAnthropic
	}
	cost := v.router.Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if err := v.budget.Record(ctx, &domain.UsageEntry{
		ProjectID:        task.ProjectID,
		TaskID:           task.ID,
		Model:            model,
		Provider:         provider,
		Purpose:          "verification",
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
	}); err != nil {
		v.logger.Error("Could not record verification usage for task %s: %v", task.ID, err)
	}

	result := &Result{CostUSD: cost}
	var payload verdictPayload
	if parseErr := decodeVerdict(resp.Content, &payload); parseErr != nil {
		result.Status = domain.VerificationHumanNeeded
		result.Notes = "Verification response was not parseable JSON - escalated to human review"
		v.logger.Warn("Verification verdict for task %s unparseable: %v", task.ID, parseErr)
		return result, nil
	}

	result.Notes = payload.Notes
	switch domain.VerificationStatus(payload.Verdict) {
	case domain.VerificationGapsFound:
		result.Status = domain.VerificationGapsFound
	case domain.VerificationHumanNeeded:
		result.Status = domain.VerificationHumanNeeded
	default:
		result.Status = domain.VerificationPassed
	}
	return result, nil
}

func decodeVerdict(content string, payload *verdictPayload) error {
	trimmed := strings.TrimSpace(content)
	if err := jsonx.Unmarshal([]byte(trimmed), payload); err == nil {
		return nil
	}
	object, ok := extractObject(trimmed)
	if !ok {
		return jsonx.Unmarshal([]byte(trimmed), payload)
	}
	return jsonx.Unmarshal([]byte(object), payload)
}

// extractObject returns the first balanced {...} span, tracking string
// literals so braces inside notes text don't terminate early.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
