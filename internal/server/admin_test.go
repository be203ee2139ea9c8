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

func seedAdminFixtures(t *testing.T, h *harness) {
	t.Helper()
	seedTaskFixtures(t, h)
	ctx := context.Background()
	_, err := h.store.DB().Exec(`UPDATE tasks SET status = 'completed', completed_at = ? WHERE id = 't1'`,
		time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, h.store.FailTask(ctx, "t2", "boom"))
	h.recordSpend(t, "p1", "t1", "claude-haiku-4-5-20251001", 0.40, time.Now().UTC())
}

func TestAdminStats(t *testing.T) {
	h := newHarness(t)
	seedAdminFixtures(t, h)
	h.seedProject(t, "p2")
	require.NoError(t, h.store.SetProjectStatus(context.Background(), "p2", domain.ProjectExecuting))

	w := h.do(t, http.MethodGet, "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)

	assert.EqualValues(t, 2, body["total_projects"])
	projects := body["projects_by_status"].(map[string]any)
	assert.EqualValues(t, 1, projects["draft"])
	assert.EqualValues(t, 1, projects["executing"])

	assert.EqualValues(t, 2, body["total_tasks"])
	tasks := body["tasks_by_status"].(map[string]any)
	assert.EqualValues(t, 1, tasks["completed"])
	assert.EqualValues(t, 1, tasks["failed"])

	assert.InDelta(t, 0.40, body["total_spend_usd"].(float64), 1e-9)
	spend := body["spend_by_model"].(map[string]any)
	assert.InDelta(t, 0.40, spend["claude-haiku-4-5-20251001"].(float64), 1e-9)

	assert.InDelta(t, 0.5, body["task_completion_rate"].(float64), 1e-9)

	events := body["events"].(map[string]any)
	assert.EqualValues(t, 0, events["active_subscribers"])
}

func TestCostBreakdown(t *testing.T) {
	h := newHarness(t)
	seedAdminFixtures(t, h)

	w := h.do(t, http.MethodGet, "/api/admin/analytics/cost-breakdown", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 30, body["days"])
	assert.InDelta(t, 0.40, body["total_cost_usd"].(float64), 1e-9)

	byProject := body["by_project"].([]any)
	require.Len(t, byProject, 1)
	first := byProject[0].(map[string]any)
	assert.Equal(t, "p1", first["project_id"])
	assert.Equal(t, "Project p1", first["project_name"])

	byTier := body["by_model_tier"].([]any)
	require.Len(t, byTier, 1)
	assert.Equal(t, "haiku", byTier[0].(map[string]any)["model_tier"])

	trend := body["daily_trend"].([]any)
	require.Len(t, trend, 1)
}

func TestCostBreakdownClampsDays(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/admin/analytics/cost-breakdown?days=500", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 90, body["days"])
	assert.Empty(t, body["by_project"])
}

func TestTaskOutcomes(t *testing.T) {
	h := newHarness(t)
	seedAdminFixtures(t, h)
	_, err := h.store.DB().Exec(`UPDATE tasks SET verification_status = 'passed' WHERE id = 't1'`)
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, "/api/admin/analytics/task-outcomes", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)

	byTier := body["by_tier"].([]any)
	require.Len(t, byTier, 1)
	haiku := byTier[0].(map[string]any)
	assert.Equal(t, "haiku", haiku["model_tier"])
	assert.EqualValues(t, 2, haiku["total"])
	assert.EqualValues(t, 1, haiku["completed"])
	assert.EqualValues(t, 1, haiku["failed"])
	assert.InDelta(t, 0.5, haiku["success_rate"].(float64), 1e-9)

	verification := body["verification_by_tier"].([]any)
	require.Len(t, verification, 1)
	assert.EqualValues(t, 1, verification[0].(map[string]any)["passed"])
}

func TestEfficiencyAnalytics(t *testing.T) {
	h := newHarness(t)
	seedAdminFixtures(t, h)
	ctx := context.Background()
	_, err := h.store.DB().Exec(`UPDATE tasks SET retry_count = 2 WHERE id = 't2'`)
	require.NoError(t, err)
	h.seedCheckpoint(t, "cp1", "p1", "t2")
	h.seedCheckpoint(t, "cp2", "p1", "t2")
	require.NoError(t, h.store.ResolveCheckpoint(ctx, "cp1", "Action: fail"))

	w := h.do(t, http.MethodGet, "/api/admin/analytics/efficiency", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)

	assert.EqualValues(t, 2, body["checkpoint_count"])
	assert.EqualValues(t, 1, body["unresolved_checkpoint_count"])

	retries := body["retries_by_tier"].([]any)
	require.Len(t, retries, 1)
	haiku := retries[0].(map[string]any)
	assert.EqualValues(t, 2, haiku["total_tasks"])
	assert.EqualValues(t, 1, haiku["tasks_with_retries"])
	assert.EqualValues(t, 2, haiku["total_retries"])

	assert.NotNil(t, body["wave_throughput"])
	assert.NotNil(t, body["cost_efficiency"])
}

func TestServicesEndpointsWithoutMonitor(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/api/services", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	w = h.do(t, http.MethodPost, "/api/services/check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, w)["checked"])

	w = h.do(t, http.MethodGet, "/api/services/ollama_local", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode[map[string]any](t, w)["detail"], "Resource ollama_local not found")
}
