package server

import (
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"loom/internal/domain"
	"loom/internal/store"
)

func (s *Server) adminStats(c *gin.Context) {
	ctx := c.Request.Context()

	projectCounts, err := s.store.ProjectStatusCounts(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	taskCounts, err := s.store.TaskStatusCounts(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	totals, byModel, _, err := s.store.UsageSummary(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	totalProjects := 0
	for _, n := range projectCounts {
		totalProjects += n
	}
	totalTasks := 0
	for _, n := range taskCounts {
		totalTasks += n
	}

	spendByModel := make(map[string]float64, len(byModel))
	for _, m := range byModel {
		spendByModel[m.Name] = roundSpend(m.CostUSD)
	}

	completed := taskCounts[domain.TaskCompleted]
	failed := taskCounts[domain.TaskFailed]
	completionRate := 0.0
	if completed+failed > 0 {
		completionRate = math.Round(float64(completed)/float64(completed+failed)*1e4) / 1e4
	}

	c.JSON(http.StatusOK, gin.H{
		"projects_by_status":   projectCounts,
		"total_projects":       totalProjects,
		"tasks_by_status":      taskCounts,
		"total_tasks":          totalTasks,
		"total_spend_usd":      roundSpend(totals.TotalCostUSD),
		"spend_by_model":       spendByModel,
		"task_completion_rate": completionRate,
		"events":               s.bus.Metrics(),
	})
}

func (s *Server) costBreakdown(c *gin.Context) {
	days := intQuery(c, "days", 30)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	ctx := c.Request.Context()
	byProject, err := s.store.CostByProjectSince(ctx, since)
	if err != nil {
		s.fail(c, err)
		return
	}
	byTier, err := s.store.CostByTierSince(ctx, since)
	if err != nil {
		s.fail(c, err)
		return
	}
	trend, err := s.store.DailyCostTrend(ctx, since.Format("2006-01-02"))
	if err != nil {
		s.fail(c, err)
		return
	}

	total := 0.0
	for _, p := range byProject {
		total += p.CostUSD
	}

	if byProject == nil {
		byProject = []store.CostByProject{}
	}
	if byTier == nil {
		byTier = []store.CostByTier{}
	}
	if trend == nil {
		trend = []store.DailyCost{}
	}

	c.JSON(http.StatusOK, gin.H{
		"days":           days,
		"by_project":     byProject,
		"by_model_tier":  byTier,
		"daily_trend":    trend,
		"total_cost_usd": roundSpend(total),
	})
}

func (s *Server) taskOutcomes(c *gin.Context) {
	ctx := c.Request.Context()
	byTier, err := s.store.TaskOutcomesByTier(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	verification, err := s.store.VerificationByTier(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	if byTier == nil {
		byTier = []store.TierOutcomes{}
	}
	if verification == nil {
		verification = []store.TierVerification{}
	}

	c.JSON(http.StatusOK, gin.H{
		"by_tier":              byTier,
		"verification_by_tier": verification,
	})
}

func (s *Server) efficiency(c *gin.Context) {
	ctx := c.Request.Context()
	retries, err := s.store.RetriesByTier(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	total, unresolved, err := s.store.CheckpointCounts(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	waves, err := s.store.WaveThroughputByProject(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	costEfficiency, err := s.store.CostEfficiencyByTier(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	if retries == nil {
		retries = []store.TierRetries{}
	}
	if waves == nil {
		waves = []store.WaveThroughput{}
	}
	if costEfficiency == nil {
		costEfficiency = []store.TierEfficiency{}
	}

	c.JSON(http.StatusOK, gin.H{
		"retries_by_tier":             retries,
		"checkpoint_count":            total,
		"unresolved_checkpoint_count": unresolved,
		"wave_throughput":             waves,
		"cost_efficiency":             costEfficiency,
	})
}

// roundSpend trims float noise from cost aggregates.
func roundSpend(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
