package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
)

const projectColumns = `id, name, requirements, status, planning_rigor, config_json, owner_id,
	created_at, updated_at, completed_at`

// CreateProject inserts a new project row.
func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	config := string(p.Config)
	if config == "" {
		config = "{}"
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO projects (id, name, requirements, status, planning_rigor, config_json, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Requirements, string(p.Status), string(p.Rigor), config,
		nullString(p.OwnerID), p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return loomerrors.Conflict("project %s already exists", p.ID)
	}
	return err
}

// GetProject loads one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loomerrors.NotFound("project %s not found", id)
	}
	return p, err
}

// ListProjects returns projects newest first, optionally filtered by status.
func (s *Store) ListProjects(ctx context.Context, status string, limit, offset int) ([]*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ProjectUpdate holds the PATCH-able project fields; nil means unchanged.
type ProjectUpdate struct {
	Name         *string
	Requirements *string
	Config       *jsonx.RawMessage
	Rigor        *domain.PlanningRigor
}

// Empty reports whether the update changes nothing.
func (u ProjectUpdate) Empty() bool {
	return u.Name == nil && u.Requirements == nil && u.Config == nil && u.Rigor == nil
}

// UpdateProjectMeta applies a partial update to a project row.
func (s *Store) UpdateProjectMeta(ctx context.Context, id string, upd ProjectUpdate) error {
	sets := []string{}
	args := []any{}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Requirements != nil {
		sets = append(sets, "requirements = ?")
		args = append(args, *upd.Requirements)
	}
	if upd.Config != nil {
		sets = append(sets, "config_json = ?")
		args = append(args, string(*upd.Config))
	}
	if upd.Rigor != nil {
		sets = append(sets, "planning_rigor = ?")
		args = append(args, string(*upd.Rigor))
	}
	if len(sets) == 0 {
		return loomerrors.Conflict("no fields to update")
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now(), id)

	res, err := s.q(ctx).ExecContext(ctx,
		fmt.Sprintf(`UPDATE projects SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return requireRow(res, "project %s not found", id)
}

// SetProjectStatus moves a project to status, touching updated_at.
func (s *Store) SetProjectStatus(ctx context.Context, id string, status domain.ProjectStatus) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "project %s not found", id)
}

// CompleteProject moves a project to a terminal status and stamps completed_at.
func (s *Store) CompleteProject(ctx context.Context, id string, status domain.ProjectStatus) error {
	ts := now()
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE projects SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(status), ts, ts, id)
	if err != nil {
		return err
	}
	return requireRow(res, "project %s not found", id)
}

// DeleteProject removes a project; plans, tasks, dependencies, events, and
// checkpoints cascade.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "project %s not found", id)
}

// ExecutingProjects returns ids of projects in executing status, oldest first.
func (s *Store) ExecutingProjects(ctx context.Context) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id FROM projects WHERE status = 'executing' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TaskSummary is the per-project task rollup shown in project lists.
type TaskSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
}

// TaskSummaries batch-counts task statuses for the given projects.
func (s *Store) TaskSummaries(ctx context.Context, projectIDs []string) (map[string]TaskSummary, error) {
	out := make(map[string]TaskSummary, len(projectIDs))
	if len(projectIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(projectIDs)), ",")
	args := make([]any, len(projectIDs))
	for i, id := range projectIDs {
		args[i] = id
	}

	rows, err := s.q(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT project_id, status, COUNT(*) FROM tasks
		WHERE project_id IN (%s) GROUP BY project_id, status`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var projectID, status string
		var count int
		if err := rows.Scan(&projectID, &status, &count); err != nil {
			return nil, err
		}
		summary := out[projectID]
		summary.Total += count
		switch domain.TaskStatus(status) {
		case domain.TaskCompleted:
			summary.Completed += count
		case domain.TaskRunning:
			summary.Running += count
		case domain.TaskFailed:
			summary.Failed += count
		}
		out[projectID] = summary
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var config string
	var owner sql.NullString
	var completed sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.Requirements, &p.Status, &p.Rigor, &config,
		&owner, &p.CreatedAt, &p.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	p.Config = jsonx.RawMessage(config)
	p.OwnerID = owner.String
	if completed.Valid {
		t := completed.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loomerrors.NotFound(format, args...)
	}
	return nil
}
