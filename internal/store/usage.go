package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"loom/internal/domain"
)

// RecordUsage writes one usage_log row and folds it into the daily and
// monthly rollups in a single transaction, so spend totals never drift
// from the log.
func (s *Store) RecordUsage(ctx context.Context, entry *domain.UsageEntry) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		_, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO usage_log (project_id, task_id, model, provider, purpose,
				prompt_tokens, completion_tokens, cost_usd, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullString(entry.ProjectID), nullString(entry.TaskID), entry.Model, entry.Provider,
			entry.Purpose, entry.PromptTokens, entry.CompletionTokens, entry.CostUSD,
			entry.Timestamp)
		if err != nil {
			return err
		}

		ts := entry.Timestamp.UTC()
		if err := s.upsertBudgetPeriod(ctx, ts.Format("2006-01-02"), "daily", entry); err != nil {
			return err
		}
		return s.upsertBudgetPeriod(ctx, ts.Format("2006-01"), "monthly", entry)
	})
}

func (s *Store) upsertBudgetPeriod(ctx context.Context, key, periodType string, entry *domain.UsageEntry) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO budget_periods (period_key, period_type, total_cost_usd,
			total_prompt_tokens, total_completion_tokens, api_call_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(period_key) DO UPDATE SET
			total_cost_usd = total_cost_usd + excluded.total_cost_usd,
			total_prompt_tokens = total_prompt_tokens + excluded.total_prompt_tokens,
			total_completion_tokens = total_completion_tokens + excluded.total_completion_tokens,
			api_call_count = api_call_count + 1`,
		key, periodType, entry.CostUSD, entry.PromptTokens, entry.CompletionTokens)
	return err
}

// BudgetPeriod returns the rollup for one period key, zero-valued when the
// period has no spend yet.
func (s *Store) BudgetPeriod(ctx context.Context, key string) (*domain.BudgetPeriod, error) {
	var p domain.BudgetPeriod
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT period_key, period_type, total_cost_usd, total_prompt_tokens,
			total_completion_tokens, api_call_count
		FROM budget_periods WHERE period_key = ?`, key).
		Scan(&p.PeriodKey, &p.PeriodType, &p.TotalCostUSD, &p.TotalPromptTokens,
			&p.TotalCompletionTokens, &p.APICallCount)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.BudgetPeriod{PeriodKey: key}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DailyPeriods returns the most recent daily rollups, oldest first.
func (s *Store) DailyPeriods(ctx context.Context, days int) ([]domain.BudgetPeriod, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT period_key, period_type, total_cost_usd, total_prompt_tokens,
			total_completion_tokens, api_call_count
		FROM budget_periods WHERE period_type = 'daily'
		ORDER BY period_key DESC LIMIT ?`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BudgetPeriod
	for rows.Next() {
		var p domain.BudgetPeriod
		if err := rows.Scan(&p.PeriodKey, &p.PeriodType, &p.TotalCostUSD,
			&p.TotalPromptTokens, &p.TotalCompletionTokens, &p.APICallCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CommittedForPeriod returns the recorded spend for a period key.
func (s *Store) CommittedForPeriod(ctx context.Context, key string) (float64, error) {
	var total float64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(total_cost_usd, 0) FROM budget_periods WHERE period_key = ?`, key).
		Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ProjectSpend sums every recorded call for a project.
func (s *Store) ProjectSpend(ctx context.Context, projectID string) (float64, error) {
	var total float64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_log WHERE project_id = ?`, projectID).
		Scan(&total)
	return total, err
}

// UsageTotals aggregates the entire usage log.
type UsageTotals struct {
	TotalCostUSD          float64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	APICallCount          int64
}

// ModelUsage is spend grouped by one dimension of the usage log.
type ModelUsage struct {
	Name         string
	CostUSD      float64
	APICallCount int64
}

// UsageSummary returns overall totals plus per-model and per-provider
// breakdowns.
func (s *Store) UsageSummary(ctx context.Context) (*UsageTotals, []ModelUsage, []ModelUsage, error) {
	var totals UsageTotals
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0), COUNT(*)
		FROM usage_log`).
		Scan(&totals.TotalCostUSD, &totals.TotalPromptTokens,
			&totals.TotalCompletionTokens, &totals.APICallCount)
	if err != nil {
		return nil, nil, nil, err
	}

	byModel, err := s.usageGroupedBy(ctx, "model")
	if err != nil {
		return nil, nil, nil, err
	}
	byProvider, err := s.usageGroupedBy(ctx, "provider")
	if err != nil {
		return nil, nil, nil, err
	}
	return &totals, byModel, byProvider, nil
}

func (s *Store) usageGroupedBy(ctx context.Context, column string) ([]ModelUsage, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+column+`, COALESCE(SUM(cost_usd), 0), COUNT(*)
		 FROM usage_log GROUP BY `+column+` ORDER BY SUM(cost_usd) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Name, &u.CostUSD, &u.APICallCount); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DailyUsage is one day's aggregated spend.
type DailyUsage struct {
	Date     string
	CostUSD  float64
	Tokens   int64
	APICalls int64
}

// DailyUsageSeries returns per-day spend for the last days days, oldest
// first.
func (s *Store) DailyUsageSeries(ctx context.Context, days int) ([]DailyUsage, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT DATE(timestamp), COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(prompt_tokens + completion_tokens), 0), COUNT(*)
		FROM usage_log
		GROUP BY DATE(timestamp)
		ORDER BY DATE(timestamp) DESC
		LIMIT ?`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Date, &d.CostUSD, &d.Tokens, &d.APICalls); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ProjectUsage is total spend attributed to one project.
type ProjectUsage struct {
	ProjectID        string
	ProjectName      string
	CostUSD          float64
	PromptTokens     int64
	CompletionTokens int64
	APICalls         int64
}

// UsageByProject returns spend per project, most expensive first. Rows
// whose project row is gone keep their spend under "Unknown".
func (s *Store) UsageByProject(ctx context.Context) ([]ProjectUsage, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT COALESCE(u.project_id, ''), COALESCE(p.name, 'Unknown'),
			COALESCE(SUM(u.cost_usd), 0), COALESCE(SUM(u.prompt_tokens), 0),
			COALESCE(SUM(u.completion_tokens), 0), COUNT(*)
		FROM usage_log u
		LEFT JOIN projects p ON p.id = u.project_id
		GROUP BY u.project_id
		ORDER BY SUM(u.cost_usd) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectUsage
	for rows.Next() {
		var u ProjectUsage
		if err := rows.Scan(&u.ProjectID, &u.ProjectName, &u.CostUSD,
			&u.PromptTokens, &u.CompletionTokens, &u.APICalls); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListUsageByProject returns the raw usage rows for one project, newest
// first, for export.
func (s *Store) ListUsageByProject(ctx context.Context, projectID string) ([]*domain.UsageEntry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, COALESCE(project_id, ''), COALESCE(task_id, ''), model, provider, purpose,
			prompt_tokens, completion_tokens, cost_usd, timestamp
		FROM usage_log WHERE project_id = ? ORDER BY timestamp DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.UsageEntry
	for rows.Next() {
		var e domain.UsageEntry
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.Model, &e.Provider,
			&e.Purpose, &e.PromptTokens, &e.CompletionTokens, &e.CostUSD, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = ts
		out = append(out, &e)
	}
	return out, rows.Err()
}
