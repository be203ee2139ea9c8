package store

import (
	"context"
	"time"

	"loom/internal/domain"
	"loom/internal/jsonx"
)

// InsertEvent appends a progress event and returns its assigned sequence id.
func (s *Store) InsertEvent(ctx context.Context, e *domain.TaskEvent) (int64, error) {
	dataJSON := "{}"
	if len(e.Data) > 0 {
		raw, err := jsonx.Marshal(e.Data)
		if err != nil {
			return 0, err
		}
		dataJSON = string(raw)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO task_events (project_id, task_id, event_type, message, data_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ProjectID, nullString(e.TaskID), e.EventType, e.Message, dataJSON, e.Timestamp)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// ListEvents returns the most recent limit events for a project in
// chronological order.
func (s *Store) ListEvents(ctx context.Context, projectID string, limit int) ([]*domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	events, err := s.queryEvents(ctx, `
		SELECT id, project_id, COALESCE(task_id, ''), event_type, message, data_json, timestamp
		FROM task_events WHERE project_id = ? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// EventsAfter returns events with id greater than afterID, oldest first.
// Streams use it to replay what a reconnecting subscriber missed.
func (s *Store) EventsAfter(ctx context.Context, projectID string, afterID int64) ([]*domain.TaskEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, project_id, COALESCE(task_id, ''), event_type, message, data_json, timestamp
		FROM task_events WHERE project_id = ? AND id > ? ORDER BY id ASC`, projectID, afterID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*domain.TaskEvent, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var dataJSON string
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.EventType, &e.Message,
			&dataJSON, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = ts
		if dataJSON != "" && dataJSON != "{}" {
			if err := jsonx.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
				return nil, err
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// TaskAttempts returns the failure history of one task in the order it
// happened, for checkpoint context.
func (s *Store) TaskAttempts(ctx context.Context, taskID string) ([]domain.Attempt, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT message, timestamp FROM task_events
		WHERE task_id = ? AND event_type IN ('task_retry', 'task_failed')
		ORDER BY timestamp`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var ts time.Time
		if err := rows.Scan(&a.Message, &ts); err != nil {
			return nil, err
		}
		a.Timestamp = ts.Format(time.RFC3339)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// PruneEvents deletes events older than before, except for projects still
// executing. Returns the number removed.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM task_events WHERE timestamp < ? AND project_id NOT IN (
			SELECT id FROM projects WHERE status = 'executing'
		)`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
