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

func (h *harness) recordSpend(t *testing.T, projectID, taskID, model string, cost float64, ts time.Time) {
	t.Helper()
	require.NoError(t, h.store.RecordUsage(context.Background(), &domain.UsageEntry{
		ProjectID:        projectID,
		TaskID:           taskID,
		Model:            model,
		Provider:         "anthropic",
		Purpose:          "execution",
		PromptTokens:     100,
		CompletionTokens: 50,
		CostUSD:          cost,
		Timestamp:        ts,
	}))
}

func TestUsageSummaryEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	now := time.Now().UTC()
	h.recordSpend(t, "p1", "", "claude-haiku-4-5-20251001", 0.25, now)
	h.recordSpend(t, "p1", "", "claude-sonnet-4-6", 0.75, now)

	w := h.do(t, http.MethodGet, "/api/usage/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.InDelta(t, 1.0, body["total_cost_usd"].(float64), 1e-9)
	assert.EqualValues(t, 2, body["api_call_count"])
	assert.Len(t, body["by_model"], 2)
	assert.Len(t, body["by_provider"], 1)
}

func TestBudgetStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	h.recordSpend(t, "p1", "", "claude-sonnet-4-6", 1.0, time.Now().UTC())

	w := h.do(t, http.MethodGet, "/api/usage/budget", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)

	daily := body["daily"].(map[string]any)
	assert.InDelta(t, 1.0, daily["spent_usd"].(float64), 1e-9)
	assert.InDelta(t, 5.0, daily["limit_usd"].(float64), 1e-9)

	monthly := body["monthly"].(map[string]any)
	assert.InDelta(t, 50.0, monthly["limit_usd"].(float64), 1e-9)
	assert.Equal(t, false, body["warning"])
}

func TestDailyUsageEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.recordSpend(t, "p1", "", "claude-haiku-4-5-20251001", 0.10, base)
	h.recordSpend(t, "p1", "", "claude-haiku-4-5-20251001", 0.20, base.AddDate(0, 0, 1))
	h.recordSpend(t, "p1", "", "claude-haiku-4-5-20251001", 0.30, base.AddDate(0, 0, 2))

	w := h.do(t, http.MethodGet, "/api/usage/daily", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 3)
	assert.Equal(t, "2026-05-01", list[0]["date"])
	assert.Equal(t, "2026-05-03", list[2]["date"])
	assert.InDelta(t, 0.30, list[2]["cost_usd"].(float64), 1e-9)
	assert.EqualValues(t, 100, list[0]["prompt_tokens"])
	assert.EqualValues(t, 50, list[0]["completion_tokens"])
	assert.EqualValues(t, 1, list[0]["api_calls"])

	w = h.do(t, http.MethodGet, "/api/usage/daily?days=2", nil)
	list = decode[[]map[string]any](t, w)
	require.Len(t, list, 2)
	assert.Equal(t, "2026-05-02", list[0]["date"])
}

func TestUsageByProjectEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	h.seedProject(t, "p2")
	now := time.Now().UTC()
	h.recordSpend(t, "p1", "", "claude-sonnet-4-6", 0.50, now)
	h.recordSpend(t, "p1", "", "claude-sonnet-4-6", 0.25, now)
	h.recordSpend(t, "p2", "", "claude-haiku-4-5-20251001", 0.05, now)
	require.NoError(t, h.store.DeleteProject(context.Background(), "p2"))

	w := h.do(t, http.MethodGet, "/api/usage/by-project", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0]["project_id"])
	assert.Equal(t, "Project p1", list[0]["project_name"])
	assert.InDelta(t, 0.75, list[0]["cost_usd"].(float64), 1e-9)
	assert.EqualValues(t, 200, list[0]["prompt_tokens"])
	assert.EqualValues(t, 2, list[0]["api_calls"])
	assert.Equal(t, "Unknown", list[1]["project_name"])
}
