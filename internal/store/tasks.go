package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
)

const taskColumns = `id, project_id, plan_id, title, description, task_type, complexity,
	model_tier, model_used, status, priority, wave, phase, context_json, tools_json,
	system_prompt, output_text, output_artifacts_json, prompt_tokens, completion_tokens,
	cost_usd, max_tokens, retry_count, max_retries, verification_status, verification_notes,
	requirement_ids_json, error, created_at, updated_at, started_at, completed_at`

// InsertTask persists a task row. DependsOn edges are written separately
// via AddDependency so both live in the caller's transaction.
func (s *Store) InsertTask(ctx context.Context, t *domain.Task) error {
	contextJSON, err := marshalList(t.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	toolsJSON, err := marshalList(t.Tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	artifactsJSON, err := marshalList(t.OutputArtifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	requirementsJSON, err := marshalList(t.RequirementIDs)
	if err != nil {
		return fmt.Errorf("marshal requirement ids: %w", err)
	}

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, plan_id, title, description, task_type, complexity,
			model_tier, status, priority, wave, phase, context_json, tools_json, system_prompt,
			output_artifacts_json, max_tokens, max_retries, requirement_ids_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.PlanID, t.Title, t.Description, string(t.Type), string(t.Complexity),
		string(t.ModelTier), string(t.Status), t.Priority, t.Wave, t.Phase, contextJSON, toolsJSON,
		t.SystemPrompt, artifactsJSON, t.MaxTokens, t.MaxRetries, requirementsJSON,
		t.CreatedAt, t.UpdatedAt)
	if isForeignKeyViolation(err) {
		return loomerrors.NotFound("project %s or plan %s not found", t.ProjectID, t.PlanID)
	}
	return err
}

// GetTask loads one task with its dependency ids.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loomerrors.NotFound("task %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	deps, err := s.dependencyMap(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps[id]
	return t, nil
}

// ListTasksByProject returns a project's tasks ordered by priority then
// creation time, with dependency ids batch-loaded.
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]*domain.Task, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ?
		 ORDER BY priority ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	var ids []string
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deps, err := s.dependencyMap(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.DependsOn = deps[t.ID]
	}
	return tasks, nil
}

// ListTasksByPlan returns the tasks created from one plan, priority order.
func (s *Store) ListTasksByPlan(ctx context.Context, planID string) ([]*domain.Task, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE plan_id = ?
		 ORDER BY priority ASC, created_at ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	var ids []string
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deps, err := s.dependencyMap(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.DependsOn = deps[t.ID]
	}
	return tasks, nil
}

// TaskUpdate holds the PATCH-able task fields; nil means unchanged.
type TaskUpdate struct {
	Title       *string
	Description *string
	ModelTier   *domain.ModelTier
	Priority    *int
	MaxTokens   *int
}

// Empty reports whether the update changes nothing.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.ModelTier == nil &&
		u.Priority == nil && u.MaxTokens == nil
}

// UpdateTaskMeta applies a partial update to a task row.
func (s *Store) UpdateTaskMeta(ctx context.Context, id string, upd TaskUpdate) error {
	sets := []string{}
	args := []any{}
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.ModelTier != nil {
		sets = append(sets, "model_tier = ?")
		args = append(args, string(*upd.ModelTier))
	}
	if upd.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *upd.Priority)
	}
	if upd.MaxTokens != nil {
		sets = append(sets, "max_tokens = ?")
		args = append(args, *upd.MaxTokens)
	}
	if len(sets) == 0 {
		return loomerrors.Conflict("no fields to update")
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now(), id)

	res, err := s.q(ctx).ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// ClaimTask atomically moves a pending task to queued. Returns false when
// another path already moved it.
func (s *Store) ClaimTask(ctx context.Context, id string) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE tasks SET status = 'queued', updated_at = ? WHERE id = ? AND status = 'pending'`,
		now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkTaskRunning moves a queued task to running and stamps started_at.
// Returns false when the task is no longer queued (cancelled in between).
func (s *Store) MarkTaskRunning(ctx context.Context, id string) (bool, error) {
	ts := now()
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE tasks SET status = 'running', started_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'queued'`, ts, ts, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TaskResult carries the outputs written on successful completion.
type TaskResult struct {
	Output           string
	Artifacts        []string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	ModelUsed        string
}

// CompleteTask records a successful run.
func (s *Store) CompleteTask(ctx context.Context, id string, result TaskResult) error {
	artifactsJSON, err := marshalList(result.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	ts := now()
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', output_text = ?, output_artifacts_json = ?,
			prompt_tokens = prompt_tokens + ?, completion_tokens = completion_tokens + ?,
			cost_usd = cost_usd + ?, model_used = ?, error = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ?`,
		result.Output, artifactsJSON, result.PromptTokens, result.CompletionTokens,
		result.CostUSD, result.ModelUsed, ts, ts, id)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// FailTask records a permanent failure.
func (s *Store) FailTask(ctx context.Context, id string, errMsg string) error {
	ts := now()
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		errMsg, ts, ts, id)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// ResetTaskForRetry sends a task back to pending after a transient failure,
// incrementing retry_count and recording the failure message.
func (s *Store) ResetTaskForRetry(ctx context.Context, id string, errMsg string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', error = ?, retry_count = retry_count + 1,
			completed_at = NULL, updated_at = ?
		WHERE id = ?`,
		errMsg, now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// ManualRetryTask resets a failed task for a human-requested retry,
// clearing error and output.
func (s *Store) ManualRetryTask(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', error = NULL, output_text = NULL,
			retry_count = retry_count + 1, completed_at = NULL, updated_at = ?
		WHERE id = ?`, now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// ReviewRetryTask resets a needs_review task for another attempt, clearing
// verification state and output.
func (s *Store) ReviewRetryTask(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', verification_status = NULL, verification_notes = NULL,
			output_text = NULL, retry_count = retry_count + 1, completed_at = NULL, updated_at = ?
		WHERE id = ?`, now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// CheckpointRetryTask resets a task resolved with "retry": the retry budget
// starts over.
func (s *Store) CheckpointRetryTask(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', error = NULL, output_text = NULL,
			retry_count = 0, completed_at = NULL, updated_at = ?
		WHERE id = ?`, now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// SetTaskStatus moves a task to status with no side effects.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// SetTaskVerification records the verifier's verdict.
func (s *Store) SetTaskVerification(ctx context.Context, id string, status domain.VerificationStatus, notes string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE tasks SET verification_status = ?, verification_notes = ?, updated_at = ? WHERE id = ?`,
		string(status), notes, now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "task %s not found", id)
}

// AppendTaskContext appends entries to a task's ordered context.
func (s *Store) AppendTaskContext(ctx context.Context, id string, entries ...domain.ContextEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(ctx context.Context) error {
		var raw string
		err := s.q(ctx).QueryRowContext(ctx,
			`SELECT context_json FROM tasks WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return loomerrors.NotFound("task %s not found", id)
		}
		if err != nil {
			return err
		}

		var existing []domain.ContextEntry
		if raw != "" {
			if err := jsonx.Unmarshal([]byte(raw), &existing); err != nil {
				return fmt.Errorf("decode context for task %s: %w", id, err)
			}
		}
		existing = append(existing, entries...)
		updated, err := jsonx.Marshal(existing)
		if err != nil {
			return err
		}
		_, err = s.q(ctx).ExecContext(ctx,
			`UPDATE tasks SET context_json = ?, updated_at = ? WHERE id = ?`,
			string(updated), now(), id)
		return err
	})
}

// CancelWaitingTasks cancels every pending, blocked, or queued task of a
// project. Running tasks finish on their own.
func (s *Store) CancelWaitingTasks(ctx context.Context, projectID string) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', updated_at = ?
		WHERE project_id = ? AND status IN ('pending', 'blocked', 'queued')`,
		now(), projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnblockTasks promotes blocked tasks whose predecessors have all completed.
func (s *Store) UnblockTasks(ctx context.Context, projectID string) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', updated_at = ?
		WHERE project_id = ? AND status = 'blocked' AND id NOT IN (
			SELECT d.task_id FROM task_deps d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE dep.status != 'completed'
		)`, now(), projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkBlockedTasks demotes pending tasks that still have an incomplete
// predecessor. Run once after decomposition seeds the task set.
func (s *Store) MarkBlockedTasks(ctx context.Context, projectID string) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'blocked', updated_at = ?
		WHERE project_id = ? AND status = 'pending' AND id IN (
			SELECT d.task_id FROM task_deps d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE dep.status != 'completed'
		)`, now(), projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CurrentWave returns the lowest wave that still has unresolved tasks.
// needs_review tasks hold their wave open; completed, failed, and cancelled
// release it. ok is false when every task is resolved.
func (s *Store) CurrentWave(ctx context.Context, projectID string) (int, bool, error) {
	var wave sql.NullInt64
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT MIN(wave) FROM tasks
		WHERE project_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		projectID).Scan(&wave)
	if err != nil {
		return 0, false, err
	}
	if !wave.Valid {
		return 0, false, nil
	}
	return int(wave.Int64), true, nil
}

// MaxWave returns the highest wave number in the project.
func (s *Store) MaxWave(ctx context.Context, projectID string) (int, error) {
	var wave sql.NullInt64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT MAX(wave) FROM tasks WHERE project_id = ?`, projectID).Scan(&wave)
	if err != nil {
		return 0, err
	}
	return int(wave.Int64), nil
}

// ReadyTasks returns pending tasks in the given wave whose predecessors
// have all completed, most urgent first.
func (s *Store) ReadyTasks(ctx context.Context, projectID string, wave int) ([]*domain.Task, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+prefixColumns("t", taskColumns)+` FROM tasks t
		LEFT JOIN task_deps d ON d.task_id = t.id
		LEFT JOIN tasks dep ON dep.id = d.depends_on AND dep.status != 'completed'
		WHERE t.project_id = ? AND t.status = 'pending' AND t.wave = ?
		GROUP BY t.id
		HAVING COUNT(dep.id) = 0
		ORDER BY t.priority ASC`, projectID, wave)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns per-status task counts for a project.
func (s *Store) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

// ResetStaleTasks returns running or queued tasks that have not been
// touched since threshold back to pending. Interrupted running tasks burn
// a retry; queued tasks do not.
func (s *Store) ResetStaleTasks(ctx context.Context, threshold time.Time) (int64, error) {
	var total int64
	err := s.Transaction(ctx, func(ctx context.Context) error {
		res, err := s.q(ctx).ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', retry_count = retry_count + 1,
				error = 'Stale task recovered', updated_at = ?
			WHERE status = 'running' AND updated_at < ?`, now(), threshold)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += n

		res, err = s.q(ctx).ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', updated_at = ?
			WHERE status = 'queued' AND updated_at < ?`, now(), threshold)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

// ResetTasksToPending force-resets the given tasks with a diagnostic; used
// when shutdown interrupts in-flight work.
func (s *Store) ResetTasksToPending(ctx context.Context, ids []string, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{errMsg, now()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.q(ctx).ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks SET status = 'pending', error = ?, updated_at = ?
		WHERE id IN (%s) AND status IN ('running', 'queued')`, placeholders), args...)
	return err
}

// AddDependency records that taskID waits for dependsOn.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`, taskID, dependsOn)
	if isUniqueViolation(err) {
		return loomerrors.Conflict("dependency %s -> %s already exists", taskID, dependsOn)
	}
	if isForeignKeyViolation(err) {
		return loomerrors.NotFound("task %s or %s not found", taskID, dependsOn)
	}
	return err
}

// SuccessorIDs returns the tasks that directly depend on taskID.
func (s *Store) SuccessorIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT task_id FROM task_deps WHERE depends_on = ?`, taskID)
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

func (s *Store) dependencyMap(ctx context.Context, taskIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}

	rows, err := s.q(ctx).QueryContext(ctx, fmt.Sprintf(
		`SELECT task_id, depends_on FROM task_deps WHERE task_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dependsOn string
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return nil, err
		}
		out[taskID] = append(out[taskID], dependsOn)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var contextJSON, toolsJSON, artifactsJSON, requirementsJSON string
	var modelUsed, phase, systemPrompt string
	var output, verificationStatus, verificationNotes, errMsg sql.NullString
	var started, completed sql.NullTime

	err := row.Scan(&t.ID, &t.ProjectID, &t.PlanID, &t.Title, &t.Description, &t.Type,
		&t.Complexity, &t.ModelTier, &modelUsed, &t.Status, &t.Priority, &t.Wave, &phase,
		&contextJSON, &toolsJSON, &systemPrompt, &output, &artifactsJSON,
		&t.PromptTokens, &t.CompletionTokens, &t.CostUSD, &t.MaxTokens,
		&t.RetryCount, &t.MaxRetries, &verificationStatus, &verificationNotes,
		&requirementsJSON, &errMsg, &t.CreatedAt, &t.UpdatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}

	t.ModelUsed = modelUsed
	t.Phase = phase
	t.SystemPrompt = systemPrompt
	t.OutputText = output.String
	t.VerificationStatus = domain.VerificationStatus(verificationStatus.String)
	t.VerificationNotes = verificationNotes.String
	t.Error = errMsg.String
	if started.Valid {
		ts := started.Time
		t.StartedAt = &ts
	}
	if completed.Valid {
		ts := completed.Time
		t.CompletedAt = &ts
	}

	if err := unmarshalList(contextJSON, &t.Context); err != nil {
		return nil, fmt.Errorf("decode context for task %s: %w", t.ID, err)
	}
	if err := unmarshalList(toolsJSON, &t.Tools); err != nil {
		return nil, fmt.Errorf("decode tools for task %s: %w", t.ID, err)
	}
	if err := unmarshalList(artifactsJSON, &t.OutputArtifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts for task %s: %w", t.ID, err)
	}
	if err := unmarshalList(requirementsJSON, &t.RequirementIDs); err != nil {
		return nil, fmt.Errorf("decode requirement ids for task %s: %w", t.ID, err)
	}
	return &t, nil
}

func marshalList(v any) (string, error) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func unmarshalList(raw string, target any) error {
	if raw == "" {
		return nil
	}
	return jsonx.Unmarshal([]byte(raw), target)
}

// prefixColumns qualifies every column in list with alias, for joins.
func prefixColumns(alias, list string) string {
	parts := strings.Split(list, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
