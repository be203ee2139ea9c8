// Package planner turns a project's requirements into a versioned plan
// document. One generation run reserves budget, renders the rigor-leveled
// prompts, makes a single completion call, parses the returned JSON, and
// stores the document as the next plan version with earlier drafts
// superseded. The project parks in planning for the duration of the call and
// returns to draft on every exit path; execution starts only after the plan
// is decomposed and approved.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loom/internal/budget"
	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/ids"
	"loom/internal/jsonx"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/prompts"
	"loom/internal/store"
)

// planOutputTokens is the completion allowance assumed when reserving
// budget for a planning call. Actual spend replaces it once the response
// usage is known.
const planOutputTokens = 2000

// Config carries planner settings.
type Config struct {
	// Model is the planning model id; empty falls back to the sonnet tier.
	Model string
	// MaxTokens caps the completion; thorough rigor doubles it.
	MaxTokens int
	Logger    logging.Logger
}

// Planner generates plan documents for projects.
type Planner struct {
	store     *store.Store
	budget    *budget.Manager
	client    llm.Client
	router    *llm.Router
	model     string
	maxTokens int
	logger    logging.Logger
}

// New builds a Planner on the given store, budget manager, and completion
// client.
func New(s *store.Store, b *budget.Manager, client llm.Client, router *llm.Router, cfg Config) *Planner {
	model := cfg.Model
	if model == "" {
		model = router.ModelID(domain.TierSonnet)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Planner{
		store:     s,
		budget:    b,
		client:    client,
		router:    router,
		model:     model,
		maxTokens: maxTokens,
		logger:    logging.OrNop(cfg.Logger),
	}
}

// Result summarizes one planning run.
type Result struct {
	PlanID           string               `json:"plan_id"`
	Version          int                  `json:"version"`
	Plan             *domain.PlanDocument `json:"plan"`
	ModelUsed        string               `json:"model_used"`
	PromptTokens     int                  `json:"prompt_tokens"`
	CompletionTokens int                  `json:"completion_tokens"`
	CostUSD          float64              `json:"cost_usd"`
}

// GeneratePlan produces the next plan version for the project. The
// reservation is released and the project restored to draft whether the run
// succeeds or fails.
func (p *Planner) GeneratePlan(ctx context.Context, projectID string) (*Result, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	system := prompts.PlanningSystem(project.Rigor)
	user := requestMessage(project)

	estimate := p.router.Cost(p.model, llm.CountTokens(system+user), planOutputTokens)
	if err := p.budget.Reserve(ctx, projectID, estimate); err != nil {
		if loomerrors.IsBudgetExhausted(err) {
			p.logger.Warn("Planning refused for project %s: %v", projectID, err)
			return nil, loomerrors.BudgetExhausted("Budget limit reached. Cannot generate plan.")
		}
		return nil, err
	}

	if err := p.store.SetProjectStatus(ctx, projectID, domain.ProjectPlanning); err != nil {
		p.budget.Release(projectID, estimate)
		return nil, err
	}

	result, err := p.generate(ctx, project, system, user)
	p.budget.Release(projectID, estimate)
	if restoreErr := p.store.SetProjectStatus(ctx, projectID, domain.ProjectDraft); restoreErr != nil {
		p.logger.Error("Could not restore project %s to draft: %v", projectID, restoreErr)
		if err == nil {
			err = restoreErr
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Planner) generate(ctx context.Context, project *domain.Project, system, user string) (*Result, error) {
	maxTokens := p.maxTokens
	if project.Rigor == domain.RigorThorough {
		maxTokens *= 2
	}

	resp, err := p.client.Complete(ctx, llm.Request{
		Model:     p.model,
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: user}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, loomerrors.PlanParse("Claude returned an empty response")
	}

	doc, err := ParseDocument(resp.Content)
	if err != nil {
		p.logger.Warn("Plan parse failed for project %s: %v", project.ID, err)
		return nil, err
	}

	document, err := jsonx.Marshal(doc)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	provider := resp.Provider
	if provider == "" {
		provider = llm.ProviderAnthropic
	}
	cost := p.router.Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	plan := &domain.Plan{
		ID:               ids.NewPlanID(),
		ProjectID:        project.ID,
		Status:           domain.PlanDraft,
		Summary:          doc.Summary,
		Document:         document,
		ModelUsed:        model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
		CreatedAt:        time.Now().UTC(),
	}

	err = p.store.Transaction(ctx, func(ctx context.Context) error {
		version, err := p.store.NextPlanVersion(ctx, project.ID)
		if err != nil {
			return err
		}
		plan.Version = version
		if err := p.store.SupersedeDraftPlans(ctx, project.ID); err != nil {
			return err
		}
		return p.store.CreatePlan(ctx, plan)
	})
	if err != nil {
		return nil, err
	}

	if err := p.budget.Record(ctx, &domain.UsageEntry{
		ProjectID:        project.ID,
		Model:            model,
		Provider:         provider,
		Purpose:          "planning",
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
	}); err != nil {
		p.logger.Error("Could not record planning usage for project %s: %v", project.ID, err)
	}

	tasks, _ := doc.FlatTasks()
	p.logger.Info("Plan %s v%d for project %s: %d tasks, $%.4f", plan.ID, plan.Version, project.ID, len(tasks), cost)

	return &Result{
		PlanID:           plan.ID,
		Version:          plan.Version,
		Plan:             doc,
		ModelUsed:        model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
	}, nil
}

// requestMessage renders the planning user prompt. Requirement lines are
// numbered R1..Rn so plans can cite requirement ids per task.
func requestMessage(project *domain.Project) string {
	lines := domain.SplitRequirements(project.Requirements)
	numbered := make([]string, len(lines))
	for i, line := range lines {
		numbered[i] = fmt.Sprintf("R%d. %s", i+1, line)
	}
	return "Project: " + project.Name + "\n\nRequirements:\n" + strings.Join(numbered, "\n")
}
