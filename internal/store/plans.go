package store

import (
	"context"
	"database/sql"
	"errors"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
)

const planColumns = `id, project_id, version, status, summary, plan_json, model_used,
	prompt_tokens, completion_tokens, cost_usd, created_at`

// CreatePlan inserts a new plan version.
func (s *Store) CreatePlan(ctx context.Context, p *domain.Plan) error {
	doc := string(p.Document)
	if doc == "" {
		doc = "{}"
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO plans (id, project_id, version, status, summary, plan_json, model_used,
			prompt_tokens, completion_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Version, string(p.Status), p.Summary, doc, p.ModelUsed,
		p.PromptTokens, p.CompletionTokens, p.CostUSD, p.CreatedAt)
	if isUniqueViolation(err) {
		return loomerrors.Conflict("plan version %d already exists for project %s", p.Version, p.ProjectID)
	}
	if isForeignKeyViolation(err) {
		return loomerrors.NotFound("project %s not found", p.ProjectID)
	}
	return err
}

// GetPlan loads one plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loomerrors.NotFound("plan %s not found", id)
	}
	return p, err
}

// ListPlans returns a project's plans, newest version first.
func (s *Store) ListPlans(ctx context.Context, projectID string) ([]*domain.Plan, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE project_id = ? ORDER BY version DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// NextPlanVersion returns 1 + the highest existing version for the project.
func (s *Store) NextPlanVersion(ctx context.Context, projectID string) (int, error) {
	var max int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM plans WHERE project_id = ?`, projectID).Scan(&max)
	return max + 1, err
}

// SupersedeDraftPlans marks every draft plan of the project superseded.
func (s *Store) SupersedeDraftPlans(ctx context.Context, projectID string) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE plans SET status = 'superseded' WHERE project_id = ? AND status = 'draft'`, projectID)
	return err
}

// SetPlanStatus moves a plan to status.
func (s *Store) SetPlanStatus(ctx context.Context, id string, status domain.PlanStatus) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE plans SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return requireRow(res, "plan %s not found", id)
}

func scanPlan(row rowScanner) (*domain.Plan, error) {
	var p domain.Plan
	var doc string
	err := row.Scan(&p.ID, &p.ProjectID, &p.Version, &p.Status, &p.Summary, &doc, &p.ModelUsed,
		&p.PromptTokens, &p.CompletionTokens, &p.CostUSD, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Document = jsonx.RawMessage(doc)
	return &p, nil
}
