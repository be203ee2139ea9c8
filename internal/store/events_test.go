package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
)

func emitEvent(t *testing.T, s *Store, projectID, taskID, eventType, message string) int64 {
	t.Helper()
	id, err := s.InsertEvent(context.Background(), &domain.TaskEvent{
		ProjectID: projectID,
		TaskID:    taskID,
		EventType: eventType,
		Message:   message,
	})
	require.NoError(t, err)
	return id
}

func TestEventsAreSequenced(t *testing.T) {
	s := newTestStore(t)
	seedProject(t, s, "p1")

	first := emitEvent(t, s, "p1", "", domain.EventTaskStart, "one")
	second := emitEvent(t, s, "p1", "", domain.EventTaskComplete, "two")
	assert.Greater(t, second, first)
}

func TestListEventsChronologicalWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedPlan(t, s, "plan1", "p1", 1)
	seedTask(t, s, "t1", "p1", "plan1", 0, 0)

	emitEvent(t, s, "p1", "t1", domain.EventTaskStart, "one")
	emitEvent(t, s, "p1", "t1", domain.EventTaskRetry, "two")
	emitEvent(t, s, "p1", "t1", domain.EventTaskComplete, "three")

	events, err := s.ListEvents(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[0].Message, "newest two, oldest first")
	assert.Equal(t, "three", events[1].Message)
}

func TestEventsAfterReplaysGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	first := emitEvent(t, s, "p1", "", domain.EventTaskStart, "one")
	emitEvent(t, s, "p1", "", domain.EventTaskComplete, "two")
	emitEvent(t, s, "p1", "", domain.EventProjectComplete, "three")

	events, err := s.EventsAfter(ctx, "p1", first)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[0].Message)
	assert.Equal(t, "three", events[1].Message)
}

func TestEventDataRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	_, err := s.InsertEvent(ctx, &domain.TaskEvent{
		ProjectID: "p1",
		EventType: domain.EventBudgetWarning,
		Message:   "Budget limit reached. Execution paused.",
		Data:      map[string]any{"daily_spent": 5.5},
	})
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.InDelta(t, 5.5, events[0].Data["daily_spent"].(float64), 1e-9)
}

func TestTaskAttemptsFiltersFailureHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedPlan(t, s, "plan1", "p1", 1)
	seedTask(t, s, "t1", "p1", "plan1", 0, 0)

	emitEvent(t, s, "p1", "t1", domain.EventTaskStart, "started")
	emitEvent(t, s, "p1", "t1", domain.EventTaskRetry, "Task t1: retrying in 5s (timeout)")
	emitEvent(t, s, "p1", "t1", domain.EventTaskRetry, "Task t1: retrying in 12s (timeout)")
	emitEvent(t, s, "p1", "t1", domain.EventTaskFailed, "Max retries exceeded: timeout")

	attempts, err := s.TaskAttempts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Contains(t, attempts[0].Message, "retrying in 5s")
	assert.Contains(t, attempts[2].Message, "Max retries exceeded")
}

func TestPruneEventsSkipsExecutingProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedProject(t, s, "p2")
	require.NoError(t, s.SetProjectStatus(ctx, "p2", domain.ProjectExecuting))

	old := time.Now().UTC().Add(-48 * time.Hour)
	for _, pid := range []string{"p1", "p2"} {
		_, err := s.InsertEvent(ctx, &domain.TaskEvent{
			ProjectID: pid, EventType: domain.EventTaskComplete,
			Message: "old", Timestamp: old,
		})
		require.NoError(t, err)
	}

	n, err := s.PruneEvents(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	kept, err := s.ListEvents(ctx, "p2", 10)
	require.NoError(t, err)
	assert.Len(t, kept, 1, "executing project keeps its history")
}

func TestCheckpointLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedPlan(t, s, "plan1", "p1", 1)
	seedTask(t, s, "t1", "p1", "plan1", 0, 0)

	cp := &domain.Checkpoint{
		ID:             "cp1",
		ProjectID:      "p1",
		TaskID:         "t1",
		CheckpointType: "retry_exhausted",
		Summary:        "Task 'Task t1' failed after 2 attempts",
		Question:       "How should we proceed? Options: retry with modified approach, skip this task, or fail it.",
		Context: domain.CheckpointContext{
			Attempts: []domain.Attempt{{Message: "timeout", Timestamp: "2026-03-14T10:00:00Z"}},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertCheckpoint(ctx, cp))

	got, err := s.GetCheckpoint(ctx, "cp1")
	require.NoError(t, err)
	assert.Equal(t, "retry_exhausted", got.CheckpointType)
	require.Len(t, got.Context.Attempts, 1)
	assert.Nil(t, got.ResolvedAt)

	open, err := s.ListCheckpoints(ctx, "p1", false)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	n, err := s.UnresolvedCheckpointCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.ResolveCheckpoint(ctx, "cp1", "Action: retry | Guidance: try smaller steps"))
	got, err = s.GetCheckpoint(ctx, "cp1")
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "Action: retry | Guidance: try smaller steps", got.Response)

	open, err = s.ListCheckpoints(ctx, "p1", false)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := s.ListCheckpoints(ctx, "p1", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestResolveCheckpointTwiceConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedPlan(t, s, "plan1", "p1", 1)
	seedTask(t, s, "t1", "p1", "plan1", 0, 0)
	require.NoError(t, s.InsertCheckpoint(ctx, &domain.Checkpoint{
		ID: "cp1", ProjectID: "p1", TaskID: "t1",
		CheckpointType: "retry_exhausted", CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.ResolveCheckpoint(ctx, "cp1", "Action: skip"))
	err := s.ResolveCheckpoint(ctx, "cp1", "Action: fail")
	assert.True(t, loomerrors.IsConflict(err))

	err = s.ResolveCheckpoint(ctx, "ghost", "Action: skip")
	assert.True(t, loomerrors.IsNotFound(err))
}
