package store

import (
	"context"
	"database/sql"
	"errors"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
)

// InsertCheckpoint persists a human-attention checkpoint.
func (s *Store) InsertCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	contextJSON, err := jsonx.Marshal(cp.Context)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO checkpoints (id, project_id, task_id, checkpoint_type, summary,
			question, context_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ProjectID, cp.TaskID, cp.CheckpointType, cp.Summary, cp.Question,
		string(contextJSON), cp.CreatedAt)
	if isForeignKeyViolation(err) {
		return loomerrors.NotFound("project %s or task %s not found", cp.ProjectID, cp.TaskID)
	}
	return err
}

// GetCheckpoint loads one checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*domain.Checkpoint, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, project_id, task_id, checkpoint_type, summary, question,
			context_json, response, created_at, resolved_at
		FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loomerrors.NotFound("checkpoint %s not found", id)
	}
	return cp, err
}

// ListCheckpoints returns a project's checkpoints, newest first. Resolved
// ones are included only when includeResolved is set.
func (s *Store) ListCheckpoints(ctx context.Context, projectID string, includeResolved bool) ([]*domain.Checkpoint, error) {
	query := `
		SELECT id, project_id, task_id, checkpoint_type, summary, question,
			context_json, response, created_at, resolved_at
		FROM checkpoints WHERE project_id = ?`
	if !includeResolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.q(ctx).QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ResolveCheckpoint records the operator's decision. Resolving twice is a
// conflict.
func (s *Store) ResolveCheckpoint(ctx context.Context, id, response string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE checkpoints SET response = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`, response, now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetCheckpoint(ctx, id); err != nil {
			return err
		}
		return loomerrors.Conflict("Checkpoint already resolved")
	}
	return nil
}

// UnresolvedCheckpointCount counts open checkpoints for a project.
func (s *Store) UnresolvedCheckpointCount(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE project_id = ? AND resolved_at IS NULL`,
		projectID).Scan(&n)
	return n, err
}

func scanCheckpoint(row rowScanner) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var contextJSON string
	var response sql.NullString
	var resolved sql.NullTime

	err := row.Scan(&cp.ID, &cp.ProjectID, &cp.TaskID, &cp.CheckpointType, &cp.Summary,
		&cp.Question, &contextJSON, &response, &cp.CreatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	cp.Response = response.String
	if resolved.Valid {
		ts := resolved.Time
		cp.ResolvedAt = &ts
	}
	if contextJSON != "" && contextJSON != "{}" {
		if err := jsonx.Unmarshal([]byte(contextJSON), &cp.Context); err != nil {
			return nil, err
		}
	}
	return &cp, nil
}
