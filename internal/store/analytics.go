package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"loom/internal/domain"
)

// Analytics aggregate settled work only. Costs always come from usage_log,
// the canonical per-call record, so every breakdown agrees with the budget
// rollups.
var terminalTaskSet = fmt.Sprintf("('%s', '%s', '%s')",
	domain.TaskCompleted, domain.TaskFailed, domain.TaskNeedsReview)

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }

// ProjectStatusCounts returns how many projects sit in each status.
func (s *Store) ProjectStatusCounts(ctx context.Context) (map[domain.ProjectStatus]int, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.ProjectStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.ProjectStatus(status)] = n
	}
	return out, rows.Err()
}

// TaskStatusCounts returns global task counts per status, across every
// project.
func (s *Store) TaskStatusCounts(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// CostByProject is settled spend attributed to one project.
type CostByProject struct {
	ProjectID   string  `json:"project_id"`
	ProjectName string  `json:"project_name"`
	CostUSD     float64 `json:"cost_usd"`
	TaskCount   int     `json:"task_count"`
}

// CostByProjectSince sums per-call spend on terminal tasks per project,
// most expensive first. Deleted projects keep their spend under "(deleted)".
func (s *Store) CostByProjectSince(ctx context.Context, since time.Time) ([]CostByProject, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT u.project_id, COALESCE(p.name, '(deleted)'),
			COALESCE(SUM(u.cost_usd), 0), COUNT(DISTINCT u.task_id)
		FROM usage_log u
		JOIN tasks t ON t.id = u.task_id
		LEFT JOIN projects p ON p.id = u.project_id
		WHERE t.status IN `+terminalTaskSet+`
			AND u.project_id IS NOT NULL AND u.timestamp >= ?
		GROUP BY u.project_id
		ORDER BY SUM(u.cost_usd) DESC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostByProject
	for rows.Next() {
		var c CostByProject
		if err := rows.Scan(&c.ProjectID, &c.ProjectName, &c.CostUSD, &c.TaskCount); err != nil {
			return nil, err
		}
		c.CostUSD = round6(c.CostUSD)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CostByTier is settled spend grouped by model tier.
type CostByTier struct {
	ModelTier      string  `json:"model_tier"`
	CostUSD        float64 `json:"cost_usd"`
	TaskCount      int     `json:"task_count"`
	AvgCostPerTask float64 `json:"avg_cost_per_task"`
}

// CostByTierSince sums per-call spend on terminal tasks per model tier.
func (s *Store) CostByTierSince(ctx context.Context, since time.Time) ([]CostByTier, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT t.model_tier, COALESCE(SUM(u.cost_usd), 0), COUNT(DISTINCT u.task_id)
		FROM usage_log u
		JOIN tasks t ON t.id = u.task_id
		WHERE t.status IN `+terminalTaskSet+` AND u.timestamp >= ?
		GROUP BY t.model_tier
		ORDER BY t.model_tier`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostByTier
	for rows.Next() {
		var c CostByTier
		if err := rows.Scan(&c.ModelTier, &c.CostUSD, &c.TaskCount); err != nil {
			return nil, err
		}
		c.CostUSD = round6(c.CostUSD)
		if c.TaskCount > 0 {
			c.AvgCostPerTask = round6(c.CostUSD / float64(c.TaskCount))
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DailyCost is one day's pre-aggregated spend.
type DailyCost struct {
	Date     string  `json:"date"`
	CostUSD  float64 `json:"cost_usd"`
	APICalls int64   `json:"api_calls"`
}

// DailyCostTrend reads the daily budget rollups from sinceKey ("YYYY-MM-DD",
// inclusive) forward, oldest first.
func (s *Store) DailyCostTrend(ctx context.Context, sinceKey string) ([]DailyCost, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT period_key, total_cost_usd, api_call_count
		FROM budget_periods
		WHERE period_type = 'daily' AND period_key >= ?
		ORDER BY period_key ASC`, sinceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyCost
	for rows.Next() {
		var d DailyCost
		if err := rows.Scan(&d.Date, &d.CostUSD, &d.APICalls); err != nil {
			return nil, err
		}
		d.CostUSD = round6(d.CostUSD)
		out = append(out, d)
	}
	return out, rows.Err()
}

// TierOutcomes counts terminal task states for one model tier.
type TierOutcomes struct {
	ModelTier   string  `json:"model_tier"`
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	NeedsReview int     `json:"needs_review"`
	SuccessRate float64 `json:"success_rate"`
}

// TaskOutcomesByTier pivots terminal task counts into per-tier outcome
// records, tiers in alphabetical order.
func (s *Store) TaskOutcomesByTier(ctx context.Context) ([]TierOutcomes, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT model_tier, status, COUNT(*)
		FROM tasks WHERE status IN `+terminalTaskSet+`
		GROUP BY model_tier, status
		ORDER BY model_tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TierOutcomes
	idx := make(map[string]int)
	for rows.Next() {
		var tier, status string
		var n int
		if err := rows.Scan(&tier, &status, &n); err != nil {
			return nil, err
		}
		i, ok := idx[tier]
		if !ok {
			i = len(out)
			idx[tier] = i
			out = append(out, TierOutcomes{ModelTier: tier})
		}
		switch domain.TaskStatus(status) {
		case domain.TaskCompleted:
			out[i].Completed = n
		case domain.TaskFailed:
			out[i].Failed = n
		case domain.TaskNeedsReview:
			out[i].NeedsReview = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Total = out[i].Completed + out[i].Failed + out[i].NeedsReview
		if out[i].Total > 0 {
			out[i].SuccessRate = round4(float64(out[i].Completed) / float64(out[i].Total))
		}
	}
	return out, nil
}

// TierVerification counts verification verdicts for one model tier.
type TierVerification struct {
	ModelTier     string  `json:"model_tier"`
	TotalVerified int     `json:"total_verified"`
	Passed        int     `json:"passed"`
	GapsFound     int     `json:"gaps_found"`
	HumanNeeded   int     `json:"human_needed"`
	PassRate      float64 `json:"pass_rate"`
}

// VerificationByTier pivots verification verdicts into per-tier records.
// Skipped verifications carry no signal and are not counted.
func (s *Store) VerificationByTier(ctx context.Context) ([]TierVerification, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT model_tier, verification_status, COUNT(*)
		FROM tasks WHERE verification_status IS NOT NULL AND verification_status != ''
		GROUP BY model_tier, verification_status
		ORDER BY model_tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TierVerification
	idx := make(map[string]int)
	for rows.Next() {
		var tier, verdict string
		var n int
		if err := rows.Scan(&tier, &verdict, &n); err != nil {
			return nil, err
		}
		i, ok := idx[tier]
		if !ok {
			i = len(out)
			idx[tier] = i
			out = append(out, TierVerification{ModelTier: tier})
		}
		switch domain.VerificationStatus(verdict) {
		case domain.VerificationPassed:
			out[i].Passed = n
		case domain.VerificationGapsFound:
			out[i].GapsFound = n
		case domain.VerificationHumanNeeded:
			out[i].HumanNeeded = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].TotalVerified = out[i].Passed + out[i].GapsFound + out[i].HumanNeeded
		if out[i].TotalVerified > 0 {
			out[i].PassRate = round4(float64(out[i].Passed) / float64(out[i].TotalVerified))
		}
	}
	return out, nil
}

// TierRetries summarizes retry pressure for one model tier.
type TierRetries struct {
	ModelTier        string  `json:"model_tier"`
	TotalTasks       int     `json:"total_tasks"`
	TasksWithRetries int     `json:"tasks_with_retries"`
	TotalRetries     int     `json:"total_retries"`
	RetryRate        float64 `json:"retry_rate"`
}

// RetriesByTier aggregates retry counts over terminal tasks.
func (s *Store) RetriesByTier(ctx context.Context) ([]TierRetries, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT model_tier, COUNT(*),
			COALESCE(SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(retry_count), 0)
		FROM tasks WHERE status IN `+terminalTaskSet+`
		GROUP BY model_tier
		ORDER BY model_tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TierRetries
	for rows.Next() {
		var r TierRetries
		if err := rows.Scan(&r.ModelTier, &r.TotalTasks, &r.TasksWithRetries, &r.TotalRetries); err != nil {
			return nil, err
		}
		if r.TotalTasks > 0 {
			r.RetryRate = round4(float64(r.TasksWithRetries) / float64(r.TotalTasks))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CheckpointCounts returns total and unresolved checkpoint counts across
// all projects.
func (s *Store) CheckpointCounts(ctx context.Context) (total, unresolved int, err error) {
	err = s.q(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN resolved_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM checkpoints`).
		Scan(&total, &unresolved)
	return total, unresolved, err
}

// WaveThroughput is how one wave of one project moved.
type WaveThroughput struct {
	ProjectID          string   `json:"project_id"`
	ProjectName        string   `json:"project_name"`
	Wave               int      `json:"wave"`
	TaskCount          int      `json:"task_count"`
	AvgDurationSeconds *float64 `json:"avg_duration_seconds"`
}

// WaveThroughputByProject averages wall-clock task duration per project and
// wave, over terminal tasks that have both timestamps.
func (s *Store) WaveThroughputByProject(ctx context.Context) ([]WaveThroughput, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT t.project_id, COALESCE(p.name, '(deleted)'), t.wave, COUNT(*),
			AVG((julianday(t.completed_at) - julianday(t.started_at)) * 86400.0)
		FROM tasks t
		LEFT JOIN projects p ON p.id = t.project_id
		WHERE t.status IN `+terminalTaskSet+`
			AND t.completed_at IS NOT NULL AND t.started_at IS NOT NULL
		GROUP BY t.project_id, t.wave
		ORDER BY t.project_id, t.wave`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WaveThroughput
	for rows.Next() {
		var w WaveThroughput
		var avg sql.NullFloat64
		if err := rows.Scan(&w.ProjectID, &w.ProjectName, &w.Wave, &w.TaskCount, &avg); err != nil {
			return nil, err
		}
		if avg.Valid {
			rounded := math.Round(avg.Float64*100) / 100
			w.AvgDurationSeconds = &rounded
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// TierEfficiency relates spend to verified output for one model tier.
type TierEfficiency struct {
	ModelTier             string   `json:"model_tier"`
	CostUSD               float64  `json:"cost_usd"`
	TasksCompleted        int      `json:"tasks_completed"`
	VerificationPassCount int      `json:"verification_pass_count"`
	CostPerPass           *float64 `json:"cost_per_pass"`
}

// CostEfficiencyByTier joins terminal tasks against their usage rows and
// reports cost per verification pass. CostPerPass is nil when nothing
// passed.
func (s *Store) CostEfficiencyByTier(ctx context.Context) ([]TierEfficiency, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT t.model_tier,
			COALESCE(SUM(u.cost_usd), 0),
			COUNT(DISTINCT CASE WHEN t.status = 'completed' THEN t.id END),
			COUNT(DISTINCT CASE WHEN t.verification_status = 'passed' THEN t.id END)
		FROM tasks t
		LEFT JOIN usage_log u ON u.task_id = t.id
		WHERE t.status IN `+terminalTaskSet+`
		GROUP BY t.model_tier
		ORDER BY t.model_tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TierEfficiency
	for rows.Next() {
		var e TierEfficiency
		if err := rows.Scan(&e.ModelTier, &e.CostUSD, &e.TasksCompleted, &e.VerificationPassCount); err != nil {
			return nil, err
		}
		e.CostUSD = round6(e.CostUSD)
		if e.VerificationPassCount > 0 {
			perPass := round6(e.CostUSD / float64(e.VerificationPassCount))
			e.CostPerPass = &perPass
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
