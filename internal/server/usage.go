package server

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) usageSummary(c *gin.Context) {
	summary, err := s.budget.Summary(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) budgetStatus(c *gin.Context) {
	status, err := s.budget.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type dailyUsagePayload struct {
	Date             string  `json:"date"`
	CostUSD          float64 `json:"cost_usd"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	APICalls         int64   `json:"api_calls"`
}

func (s *Server) dailyUsage(c *gin.Context) {
	days := intQuery(c, "days", 30)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	periods, err := s.store.DailyPeriods(c.Request.Context(), days)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]dailyUsagePayload, len(periods))
	for i, p := range periods {
		out[i] = dailyUsagePayload{
			Date:             p.PeriodKey,
			CostUSD:          roundCost(p.TotalCostUSD),
			PromptTokens:     p.TotalPromptTokens,
			CompletionTokens: p.TotalCompletionTokens,
			APICalls:         p.APICallCount,
		}
	}
	c.JSON(http.StatusOK, out)
}

type projectUsagePayload struct {
	ProjectID        string  `json:"project_id"`
	ProjectName      string  `json:"project_name"`
	CostUSD          float64 `json:"cost_usd"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	APICalls         int64   `json:"api_calls"`
}

func (s *Server) usageByProject(c *gin.Context) {
	usage, err := s.store.UsageByProject(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]projectUsagePayload, len(usage))
	for i, u := range usage {
		out[i] = projectUsagePayload{
			ProjectID:        u.ProjectID,
			ProjectName:      u.ProjectName,
			CostUSD:          roundCost(u.CostUSD),
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			APICalls:         u.APICalls,
		}
	}
	c.JSON(http.StatusOK, out)
}

// roundCost trims float noise from summed costs for display.
func roundCost(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
