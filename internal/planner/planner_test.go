package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/budget"
	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/store"
)

type fakeClient struct {
	resp     *llm.Response
	err      error
	requests []llm.Request
}

func (f *fakeClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) Model() string { return "claude-sonnet-4-6" }

func planResponse(content string, promptTokens, completionTokens int) *llm.Response {
	return &llm.Response{
		Content:    content,
		StopReason: "end_turn",
		Usage: llm.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Model:    "claude-sonnet-4-6",
		Provider: llm.ProviderAnthropic,
	}
}

func newTestPlanner(t *testing.T, client llm.Client, limits budget.Limits) (*Planner, *store.Store, *budget.Manager) {
	t.Helper()
	s, err := store.Open(":memory:", logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	b := budget.NewManager(s, limits, logging.Nop())
	router := llm.NewRouter(llm.RouterConfig{}, logging.Nop())
	return New(s, b, client, router, Config{Model: "claude-sonnet-4-6", MaxTokens: 4096}), s, b
}

func seedProject(t *testing.T, s *store.Store, id string, rigor domain.PlanningRigor) {
	t.Helper()
	ts := time.Now().UTC()
	require.NoError(t, s.CreateProject(context.Background(), &domain.Project{
		ID:           id,
		Name:         "dungeon crawler",
		Requirements: "Build a tile map renderer\nAdd enemy pathfinding",
		Status:       domain.ProjectDraft,
		Rigor:        rigor,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}))
}

const planJSON = `{"summary": "Two step plan", "tasks": [` +
	`{"title": "Renderer", "task_type": "code", "complexity": "medium", "depends_on": [], "requirement_ids": ["R1"]},` +
	`{"title": "Pathfinding", "task_type": "code", "complexity": "complex", "depends_on": [0], "requirement_ids": ["R2"]}]}`

func TestGeneratePlanStoresDraft(t *testing.T) {
	client := &fakeClient{resp: planResponse(planJSON, 900, 400)}
	p, s, _ := newTestPlanner(t, client, budget.Limits{})
	seedProject(t, s, "p1", domain.RigorBalanced)
	ctx := context.Background()

	result, err := p.GeneratePlan(ctx, "p1")
	require.NoError(t, err)

	assert.Len(t, result.PlanID, 12)
	assert.Equal(t, 1, result.Version)
	assert.Equal(t, "Two step plan", result.Plan.Summary)
	assert.Equal(t, "claude-sonnet-4-6", result.ModelUsed)
	assert.Equal(t, 900, result.PromptTokens)
	assert.Equal(t, 400, result.CompletionTokens)
	assert.InDelta(t, 0.0087, result.CostUSD, 1e-9)

	plan, err := s.GetPlan(ctx, result.PlanID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanDraft, plan.Status)
	assert.Equal(t, "Two step plan", plan.Summary)
	var doc domain.PlanDocument
	require.NoError(t, jsonx.Unmarshal(plan.Document, &doc))
	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, "Pathfinding", doc.Tasks[1].Title)

	project, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectDraft, project.Status)

	spent, err := s.ProjectSpend(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, result.CostUSD, spent, 1e-9)
}

func TestGeneratePlanPromptShape(t *testing.T) {
	client := &fakeClient{resp: planResponse(planJSON, 10, 10)}
	p, s, _ := newTestPlanner(t, client, budget.Limits{})
	seedProject(t, s, "p1", domain.RigorBalanced)

	_, err := p.GeneratePlan(context.Background(), "p1")
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, "claude-sonnet-4-6", req.Model)
	assert.Equal(t, 4096, req.MaxTokens)
	assert.NotEmpty(t, req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t,
		"Project: dungeon crawler\n\nRequirements:\nR1. Build a tile map renderer\nR2. Add enemy pathfinding",
		req.Messages[0].Content)
}

func TestGeneratePlanThoroughRigor(t *testing.T) {
	client := &fakeClient{resp: planResponse(planJSON, 10, 10)}
	p, s, _ := newTestPlanner(t, client, budget.Limits{})
	seedProject(t, s, "p1", domain.RigorThorough)

	_, err := p.GeneratePlan(context.Background(), "p1")
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	assert.Equal(t, 8192, client.requests[0].MaxTokens)
	assert.Contains(t, client.requests[0].System, "risks")
}

func TestGeneratePlanVersionsAndSupersedes(t *testing.T) {
	client := &fakeClient{resp: planResponse(planJSON, 10, 10)}
	p, s, _ := newTestPlanner(t, client, budget.Limits{})
	seedProject(t, s, "p1", domain.RigorBalanced)
	ctx := context.Background()

	first, err := p.GeneratePlan(ctx, "p1")
	require.NoError(t, err)
	second, err := p.GeneratePlan(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)

	old, err := s.GetPlan(ctx, first.PlanID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanSuperseded, old.Status)

	current, err := s.GetPlan(ctx, second.PlanID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanDraft, current.Status)
}

func TestGeneratePlanBudgetRefused(t *testing.T) {
	client := &fakeClient{resp: planResponse(planJSON, 10, 10)}
	p, s, _ := newTestPlanner(t, client, budget.Limits{DailyUSD: 0.0001})
	seedProject(t, s, "p1", domain.RigorBalanced)
	ctx := context.Background()

	_, err := p.GeneratePlan(ctx, "p1")
	require.Error(t, err)
	assert.True(t, loomerrors.IsBudgetExhausted(err))
	assert.EqualError(t, err, "Budget limit reached. Cannot generate plan.")
	assert.Empty(t, client.requests, "no completion call on refusal")

	project, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectDraft, project.Status)
}

func TestGeneratePlanEmptyResponse(t *testing.T) {
	client := &fakeClient{resp: planResponse("  \n", 10, 0)}
	p, s, b := newTestPlanner(t, client, budget.Limits{DailyUSD: 5})
	seedProject(t, s, "p1", domain.RigorBalanced)
	ctx := context.Background()

	_, err := p.GeneratePlan(ctx, "p1")
	require.Error(t, err)
	assert.True(t, loomerrors.IsPlanParse(err))
	assert.EqualError(t, err, "Claude returned an empty response")

	project, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectDraft, project.Status)

	plans, err := s.ListPlans(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, plans)

	status, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Daily.ReservedUSD, "reservation released")
}

func TestGeneratePlanUnparseableResponse(t *testing.T) {
	client := &fakeClient{resp: planResponse("I would rather chat about the weather.", 10, 10)}
	p, s, _ := newTestPlanner(t, client, budget.Limits{})
	seedProject(t, s, "p1", domain.RigorBalanced)
	ctx := context.Background()

	_, err := p.GeneratePlan(ctx, "p1")
	require.Error(t, err)
	assert.True(t, loomerrors.IsPlanParse(err))
	assert.EqualError(t, err, "Failed to parse plan JSON from Claude response")

	plans, err := s.ListPlans(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestGeneratePlanCompletionError(t *testing.T) {
	client := &fakeClient{err: errors.New("api unreachable")}
	p, s, b := newTestPlanner(t, client, budget.Limits{DailyUSD: 5})
	seedProject(t, s, "p1", domain.RigorBalanced)
	ctx := context.Background()

	_, err := p.GeneratePlan(ctx, "p1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "api unreachable")

	project, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectDraft, project.Status)

	status, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Daily.ReservedUSD)
}

func TestGeneratePlanUnknownProject(t *testing.T) {
	client := &fakeClient{resp: planResponse(planJSON, 10, 10)}
	p, _, _ := newTestPlanner(t, client, budget.Limits{})

	_, err := p.GeneratePlan(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, loomerrors.IsNotFound(err))
	assert.Empty(t, client.requests)
}

func TestRequestMessageSkipsBlankLines(t *testing.T) {
	t.Parallel()
	msg := requestMessage(&domain.Project{
		Name:         "demo",
		Requirements: "\nFirst thing\n\n  Second thing \n",
	})
	assert.Equal(t, "Project: demo\n\nRequirements:\nR1. First thing\nR2. Second thing", msg)
}
