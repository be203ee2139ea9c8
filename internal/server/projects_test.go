package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain"
)

func TestCreateProject(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name":           "Dungeon crawler",
		"requirements":   "Render tiles\nMove enemies",
		"planning_rigor": "L3",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode[map[string]any](t, w)
	assert.Equal(t, "Dungeon crawler", body["name"])
	assert.Equal(t, "draft", body["status"])
	assert.Equal(t, "L3", body["planning_rigor"])
	assert.Len(t, body["id"], 12)

	summary, ok := body["task_summary"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 0, summary["total"])
}

func TestCreateProjectRequiresFields(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/projects", map[string]any{"name": "No requirements"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetProjectNotFound(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/projects/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decode[map[string]any](t, w)
	assert.Contains(t, body["detail"], "not found")
}

func TestListProjectsWithSummaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedProject(t, "p1")
	h.seedProject(t, "p2")
	h.seedPlan(t, "pl1", "p1")
	h.seedTask(t, "t1", "p1", "pl1")
	h.seedTask(t, "t2", "p1", "pl1")
	require.NoError(t, h.store.SetTaskStatus(ctx, "t2", domain.TaskCompleted))
	require.NoError(t, h.store.SetProjectStatus(ctx, "p2", domain.ProjectExecuting))

	w := h.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 2)

	byID := map[string]map[string]any{}
	for _, p := range list {
		byID[p["id"].(string)] = p
	}
	summary := byID["p1"]["task_summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["total"])
	assert.EqualValues(t, 1, summary["completed"])

	w = h.do(t, http.MethodGet, "/api/projects?status=executing", nil)
	list = decode[[]map[string]any](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "p2", list[0]["id"])
}

func TestUpdateProject(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")

	w := h.do(t, http.MethodPatch, "/api/projects/p1", map[string]any{"name": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, "Renamed", body["name"])

	w = h.do(t, http.MethodPatch, "/api/projects/p1", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body = decode[map[string]any](t, w)
	assert.Contains(t, body["detail"], "no fields to update")
}

func TestDeleteProject(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")

	w := h.do(t, http.MethodDelete, "/api/projects/p1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodGet, "/api/projects/p1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodDelete, "/api/projects/p1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecutePauseCancelFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedProject(t, "p1")
	h.seedPlan(t, "pl1", "p1")
	h.seedTask(t, "t1", "p1", "pl1")

	w := h.do(t, http.MethodPost, "/api/projects/p1/execute", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "Project must be in 'ready' or 'paused' state, got 'draft'", body["detail"])

	require.NoError(t, h.store.SetProjectStatus(ctx, "p1", domain.ProjectReady))
	w = h.do(t, http.MethodPost, "/api/projects/p1/execute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, "executing", body["status"])
	assert.Equal(t, "p1", body["project_id"])

	w = h.do(t, http.MethodPost, "/api/projects/p1/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", decode[map[string]any](t, w)["status"])

	w = h.do(t, http.MethodPost, "/api/projects/p1/pause", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Project is not executing", decode[map[string]any](t, w)["detail"])

	w = h.do(t, http.MethodPost, "/api/projects/p1/execute", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/api/projects/p1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, "cancelled", body["status"])
	assert.EqualValues(t, 1, body["tasks_cancelled"])

	task, err := h.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, task.Status)

	project, err := h.store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectCancelled, project.Status)
	assert.NotNil(t, project.CompletedAt)
}

func TestPlanGenerationEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	h.llm.resp = planResponse(planJSON)

	w := h.do(t, http.MethodPost, "/api/projects/p1/plan", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Len(t, body["plan_id"], 12)
	assert.EqualValues(t, 1, body["version"])

	w = h.do(t, http.MethodGet, "/api/projects/p1/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	plans := decode[[]map[string]any](t, w)
	require.Len(t, plans, 1)
	assert.Equal(t, "draft", plans[0]["status"])
}

func TestPlanGenerationBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	h.llm.resp = planResponse(planJSON)
	require.NoError(t, h.store.RecordUsage(context.Background(), &domain.UsageEntry{
		Model:        "claude-sonnet-4-6",
		Provider:     "anthropic",
		Purpose:      "planning",
		PromptTokens: 1000,
		CostUSD:      5.0,
		Timestamp:    time.Now().UTC(),
	}))

	w := h.do(t, http.MethodPost, "/api/projects/p1/plan", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
}

func TestApprovePlanEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedProject(t, "p1")
	h.llm.resp = planResponse(planJSON)

	w := h.do(t, http.MethodPost, "/api/projects/p1/plan", nil)
	require.Equal(t, http.StatusOK, w.Code)
	planID := decode[map[string]any](t, w)["plan_id"].(string)

	w = h.do(t, http.MethodPost, "/api/projects/p1/plans/"+planID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 2, body["tasks_created"])

	project, err := h.store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectReady, project.Status)

	tasks, err := h.store.ListTasksByProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	w = h.do(t, http.MethodPost, "/api/projects/p1/plans/"+planID+"/approve", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Plan is already approved", decode[map[string]any](t, w)["detail"])

	w = h.do(t, http.MethodPost, "/api/projects/p1/plans/ghost/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	h.seedProject(t, "p2")
	w = h.do(t, http.MethodPost, "/api/projects/p2/plans/"+planID+"/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCloneProjectEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedProject(t, "p1")
	h.seedPlan(t, "pl1", "p1")
	h.seedTask(t, "t1", "p1", "pl1")
	_, err := h.store.DB().Exec(
		`UPDATE tasks SET status = 'completed', output_text = 'done', cost_usd = 0.5 WHERE id = 't1'`)
	require.NoError(t, err)

	w := h.do(t, http.MethodPost, "/api/projects/p1/clone", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	cloneID := body["id"].(string)
	assert.NotEqual(t, "p1", cloneID)
	assert.Equal(t, "Project p1 (clone)", body["name"])
	assert.Equal(t, "draft", body["status"])

	tasks, err := h.store.ListTasksByProject(ctx, cloneID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskPending, tasks[0].Status)
	assert.Empty(t, tasks[0].OutputText)

	w = h.do(t, http.MethodPost, "/api/projects/ghost/clone", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportProject(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")

	w := h.do(t, http.MethodGet, "/api/projects/p1/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	body := decode[map[string]any](t, w)
	assert.NotNil(t, body["exported_at"])
	project, ok := body["project"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "p1", project["id"])

	for _, key := range []string{"plans", "tasks", "events", "checkpoints", "usage"} {
		val, ok := body[key].([]any)
		require.True(t, ok, "%s should be an array, got %T", key, body[key])
		assert.Empty(t, val)
	}

	w = h.do(t, http.MethodGet, "/api/projects/ghost/export", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectCoverage(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	h.seedPlan(t, "pl1", "p1")
	h.seedTask(t, "t1", "p1", "pl1")
	_, err := h.store.DB().Exec(
		`UPDATE tasks SET requirement_ids_json = '["R1"]' WHERE id = 't1'`)
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, "/api/projects/p1/coverage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 2, body["total_requirements"])
	assert.EqualValues(t, 1, body["covered_count"])
	assert.EqualValues(t, 1, body["uncovered_count"])

	reqs := body["requirements"].([]any)
	require.Len(t, reqs, 2)
	first := reqs[0].(map[string]any)
	assert.Equal(t, "R1", first["id"])
	assert.Equal(t, true, first["covered"])
	second := reqs[1].(map[string]any)
	assert.Equal(t, "R2", second["id"])
	assert.Equal(t, false, second["covered"])
}
