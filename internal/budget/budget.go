// Package budget enforces daily, monthly, and per-project spend limits.
// Committed spend lives in the store; in-flight reservations are held only
// in memory and rebuild to zero on restart, which at worst briefly
// under-counts.
package budget

import (
	"context"
	"math"
	"sync"
	"time"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/store"
)

// Limits are the configured spend ceilings. A limit of zero or below means
// unlimited.
type Limits struct {
	DailyUSD      float64
	MonthlyUSD    float64
	PerProjectUSD float64
	WarnPercent   float64
}

// Manager serializes reserve/release bookkeeping around the persisted
// usage rollups.
type Manager struct {
	store  *store.Store
	limits Limits
	logger logging.Logger

	mu              sync.Mutex
	clock           func() time.Time
	dayKey          string
	monthKey        string
	dailyReserved   float64
	monthlyReserved float64
	projectReserved map[string]float64
}

// NewManager wires a budget manager over the store.
func NewManager(s *store.Store, limits Limits, logger logging.Logger) *Manager {
	m := &Manager{
		store:           s,
		limits:          limits,
		logger:          logging.OrNop(logger),
		clock:           time.Now,
		projectReserved: make(map[string]float64),
	}
	now := m.clock().UTC()
	m.dayKey = now.Format("2006-01-02")
	m.monthKey = now.Format("2006-01")
	return m
}

// Reserve holds estimate against every applicable limit, or fails with a
// budget-exhausted error and holds nothing.
func (m *Manager) Reserve(ctx context.Context, projectID string, estimate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(m.clock().UTC())

	dailySpent, err := m.store.CommittedForPeriod(ctx, m.dayKey)
	if err != nil {
		return err
	}
	if m.limits.DailyUSD > 0 && dailySpent+m.dailyReserved+estimate > m.limits.DailyUSD {
		return loomerrors.BudgetExhausted(
			"daily budget exhausted: $%.4f spent + $%.4f reserved + $%.4f requested exceeds $%.2f",
			dailySpent, m.dailyReserved, estimate, m.limits.DailyUSD)
	}

	monthlySpent, err := m.store.CommittedForPeriod(ctx, m.monthKey)
	if err != nil {
		return err
	}
	if m.limits.MonthlyUSD > 0 && monthlySpent+m.monthlyReserved+estimate > m.limits.MonthlyUSD {
		return loomerrors.BudgetExhausted(
			"monthly budget exhausted: $%.4f spent + $%.4f reserved + $%.4f requested exceeds $%.2f",
			monthlySpent, m.monthlyReserved, estimate, m.limits.MonthlyUSD)
	}

	if m.limits.PerProjectUSD > 0 && projectID != "" {
		projectSpent, err := m.store.ProjectSpend(ctx, projectID)
		if err != nil {
			return err
		}
		if projectSpent+m.projectReserved[projectID]+estimate > m.limits.PerProjectUSD {
			return loomerrors.BudgetExhausted(
				"project %s budget exhausted: $%.4f spent + $%.4f reserved + $%.4f requested exceeds $%.2f",
				projectID, projectSpent, m.projectReserved[projectID], estimate, m.limits.PerProjectUSD)
		}
	}

	m.dailyReserved += estimate
	m.monthlyReserved += estimate
	if projectID != "" {
		m.projectReserved[projectID] += estimate
	}
	return nil
}

// Release returns an unused reservation. Safe to call with the original
// estimate after the actual cost has been recorded.
func (m *Manager) Release(projectID string, estimate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyReserved = math.Max(0, m.dailyReserved-estimate)
	m.monthlyReserved = math.Max(0, m.monthlyReserved-estimate)
	if projectID != "" {
		remaining := math.Max(0, m.projectReserved[projectID]-estimate)
		if remaining == 0 {
			delete(m.projectReserved, projectID)
		} else {
			m.projectReserved[projectID] = remaining
		}
	}
}

// Record commits an actual spend to the usage log and period rollups.
func (m *Manager) Record(ctx context.Context, entry *domain.UsageEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.clock().UTC()
	}
	return m.store.RecordUsage(ctx, entry)
}

// CanSpend reports whether amount still fits under the daily and monthly
// limits, reservations included.
func (m *Manager) CanSpend(ctx context.Context, amount float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(m.clock().UTC())

	dailySpent, err := m.store.CommittedForPeriod(ctx, m.dayKey)
	if err != nil {
		return false, err
	}
	if m.limits.DailyUSD > 0 && dailySpent+m.dailyReserved+amount > m.limits.DailyUSD {
		return false, nil
	}

	monthlySpent, err := m.store.CommittedForPeriod(ctx, m.monthKey)
	if err != nil {
		return false, err
	}
	if m.limits.MonthlyUSD > 0 && monthlySpent+m.monthlyReserved+amount > m.limits.MonthlyUSD {
		return false, nil
	}
	return true, nil
}

// PeriodStatus is one period's position against its limit.
type PeriodStatus struct {
	SpentUSD    float64 `json:"spent_usd"`
	ReservedUSD float64 `json:"reserved_usd"`
	LimitUSD    float64 `json:"limit_usd"`
	Percent     float64 `json:"percent"`
}

// Status is the live budget position.
type Status struct {
	Daily   PeriodStatus `json:"daily"`
	Monthly PeriodStatus `json:"monthly"`
	Warning bool         `json:"warning"`
}

// Status reports current spend against both period limits.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(m.clock().UTC())

	dailySpent, err := m.store.CommittedForPeriod(ctx, m.dayKey)
	if err != nil {
		return nil, err
	}
	monthlySpent, err := m.store.CommittedForPeriod(ctx, m.monthKey)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Daily:   m.periodStatus(dailySpent, m.dailyReserved, m.limits.DailyUSD),
		Monthly: m.periodStatus(monthlySpent, m.monthlyReserved, m.limits.MonthlyUSD),
	}
	if m.limits.WarnPercent > 0 && m.limits.WarnPercent <= 100 {
		status.Warning = status.Daily.Percent >= m.limits.WarnPercent ||
			status.Monthly.Percent >= m.limits.WarnPercent
	}
	return status, nil
}

func (m *Manager) periodStatus(spent, reserved, limit float64) PeriodStatus {
	ps := PeriodStatus{
		SpentUSD:    round4(spent),
		ReservedUSD: round4(reserved),
		LimitUSD:    limit,
	}
	if limit > 0 {
		ps.Percent = round1((spent + reserved) / limit * 100)
	}
	return ps
}

// ProjectStatus is one project's spend against the per-project limit.
type ProjectStatus struct {
	ProjectID   string  `json:"project_id"`
	SpentUSD    float64 `json:"spent_usd"`
	ReservedUSD float64 `json:"reserved_usd"`
	LimitUSD    float64 `json:"limit_usd"`
	Percent     float64 `json:"percent"`
}

// ProjectStatus reports one project's position against the per-project cap.
func (m *Manager) ProjectStatus(ctx context.Context, projectID string) (*ProjectStatus, error) {
	spent, err := m.store.ProjectSpend(ctx, projectID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(m.clock().UTC())

	ps := &ProjectStatus{
		ProjectID:   projectID,
		SpentUSD:    round4(spent),
		ReservedUSD: round4(m.projectReserved[projectID]),
		LimitUSD:    m.limits.PerProjectUSD,
	}
	if m.limits.PerProjectUSD > 0 {
		ps.Percent = round1((spent + m.projectReserved[projectID]) / m.limits.PerProjectUSD * 100)
	}
	return ps, nil
}

// Breakdown is spend grouped along one dimension of the usage log.
type Breakdown struct {
	Name         string  `json:"name"`
	CostUSD      float64 `json:"cost_usd"`
	APICallCount int64   `json:"api_calls"`
}

// Summary aggregates the whole usage log.
type Summary struct {
	TotalCostUSD          float64     `json:"total_cost_usd"`
	TotalPromptTokens     int64       `json:"total_prompt_tokens"`
	TotalCompletionTokens int64       `json:"total_completion_tokens"`
	APICallCount          int64       `json:"api_call_count"`
	ByModel               []Breakdown `json:"by_model"`
	ByProvider            []Breakdown `json:"by_provider"`
}

// Summary returns lifetime totals with per-model and per-provider breakdowns.
func (m *Manager) Summary(ctx context.Context) (*Summary, error) {
	totals, byModel, byProvider, err := m.store.UsageSummary(ctx)
	if err != nil {
		return nil, err
	}
	return &Summary{
		TotalCostUSD:          round4(totals.TotalCostUSD),
		TotalPromptTokens:     totals.TotalPromptTokens,
		TotalCompletionTokens: totals.TotalCompletionTokens,
		APICallCount:          totals.APICallCount,
		ByModel:               toBreakdown(byModel),
		ByProvider:            toBreakdown(byProvider),
	}, nil
}

func toBreakdown(in []store.ModelUsage) []Breakdown {
	out := make([]Breakdown, len(in))
	for i, u := range in {
		out[i] = Breakdown{Name: u.Name, CostUSD: round4(u.CostUSD), APICallCount: u.APICallCount}
	}
	return out
}

// rollover resets reservations when the UTC day or month changes. Callers
// hold m.mu.
func (m *Manager) rollover(now time.Time) {
	day := now.Format("2006-01-02")
	if day != m.dayKey {
		m.logger.Info("Daily budget rollover: %s -> %s", m.dayKey, day)
		m.dayKey = day
		m.dailyReserved = 0
		m.projectReserved = make(map[string]float64)
	}
	month := now.Format("2006-01")
	if month != m.monthKey {
		m.logger.Info("Monthly budget rollover: %s -> %s", m.monthKey, month)
		m.monthKey = month
		m.monthlyReserved = 0
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
