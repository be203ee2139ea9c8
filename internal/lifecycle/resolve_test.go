package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
)

func seedCheckpoint(t *testing.T, f *fixture, taskID string) *domain.Checkpoint {
	t.Helper()
	cp := &domain.Checkpoint{
		ID:             "cp1",
		ProjectID:      "p1",
		TaskID:         taskID,
		CheckpointType: "retry_exhausted",
		Summary:        "Task 'Build the loader' failed after 3 attempts",
		Question:       "How should we proceed? Options: retry with modified approach, skip this task, or fail it.",
		CreatedAt:      f.now,
	}
	require.NoError(t, f.store.InsertCheckpoint(context.Background(), cp))
	return cp
}

// parkedTask puts a task in needs_review with an error, the state the
// escalation path leaves behind.
func parkedTask(t *testing.T, f *fixture) *domain.Task {
	t.Helper()
	task := f.seedTask(t, &domain.Task{MaxRetries: 3})
	f.tracker.Done(task.ID)
	ctx := context.Background()
	require.NoError(t, f.store.FailTask(ctx, task.ID, "Max retries exceeded: boom"))
	require.NoError(t, f.store.SetTaskStatus(ctx, task.ID, domain.TaskNeedsReview))
	return task
}

func TestResolveCheckpointRetry(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)
	cp := seedCheckpoint(t, f, task.ID)
	ctx := context.Background()

	err := f.life.ResolveCheckpoint(ctx, cp.ID, domain.CheckpointRetry, "Try a simpler approach")
	require.NoError(t, err)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Zero(t, got.RetryCount, "retry budget starts over")
	assert.Empty(t, got.Error)
	require.Len(t, got.Context, 1)
	assert.Equal(t, domain.ContextCheckpointGuidance, got.Context[0].Type)
	assert.Equal(t, "Try a simpler approach", got.Context[0].Content)

	resolved, err := f.store.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "Action: retry | Guidance: Try a simpler approach", resolved.Response)
}

func TestResolveCheckpointRetryWithoutGuidance(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)
	cp := seedCheckpoint(t, f, task.ID)
	ctx := context.Background()

	require.NoError(t, f.life.ResolveCheckpoint(ctx, cp.ID, domain.CheckpointRetry, ""))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Empty(t, got.Context)

	resolved, err := f.store.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Action: retry", resolved.Response)
}

func TestResolveCheckpointSkip(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)
	cp := seedCheckpoint(t, f, task.ID)
	ctx := context.Background()

	require.NoError(t, f.life.ResolveCheckpoint(ctx, cp.ID, domain.CheckpointSkip, ""))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)

	resolved, err := f.store.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Action: skip", resolved.Response)
}

func TestResolveCheckpointFail(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)
	cp := seedCheckpoint(t, f, task.ID)
	ctx := context.Background()

	require.NoError(t, f.life.ResolveCheckpoint(ctx, cp.ID, domain.CheckpointFail, ""))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
}

func TestResolveCheckpointTwiceRejected(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)
	cp := seedCheckpoint(t, f, task.ID)
	ctx := context.Background()

	require.NoError(t, f.life.ResolveCheckpoint(ctx, cp.ID, domain.CheckpointSkip, ""))
	err := f.life.ResolveCheckpoint(ctx, cp.ID, domain.CheckpointRetry, "")
	require.Error(t, err)
	assert.True(t, loomerrors.IsConflict(err))
	assert.EqualError(t, err, "Checkpoint already resolved")
}

func TestResolveCheckpointInvalidAction(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)
	cp := seedCheckpoint(t, f, task.ID)

	err := f.life.ResolveCheckpoint(context.Background(), cp.ID, domain.CheckpointAction("destroy"), "")
	require.Error(t, err)
	assert.True(t, loomerrors.IsConflict(err))
}

func TestResolveCheckpointUnknown(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.life.ResolveCheckpoint(context.Background(), "nope", domain.CheckpointRetry, "")
	require.Error(t, err)
	assert.True(t, loomerrors.IsNotFound(err))
}

func TestResolveReviewApprove(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)
	ctx := context.Background()

	require.NoError(t, f.life.ResolveReview(ctx, task.ID, domain.ReviewApprove, ""))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
}

func TestResolveReviewRetryWithFeedback(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)
	ctx := context.Background()

	require.NoError(t, f.life.ResolveReview(ctx, task.ID, domain.ReviewRetry, "Cover the edge cases"))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.OutputText)
	require.Len(t, got.Context, 1)
	assert.Equal(t, domain.ContextReviewFeedback, got.Context[0].Type)
	assert.Equal(t, "Cover the edge cases", got.Context[0].Content)
}

func TestResolveReviewWrongStatus(t *testing.T) {
	f := newFixture(t, Config{})
	task := f.seedTask(t, &domain.Task{MaxRetries: 3})
	f.tracker.Done(task.ID)

	err := f.life.ResolveReview(context.Background(), task.ID, domain.ReviewApprove, "")
	require.Error(t, err)
	assert.True(t, loomerrors.IsConflict(err))
	assert.EqualError(t, err, "Task is not awaiting review")
}

func TestResolveReviewInvalidAction(t *testing.T) {
	f := newFixture(t, Config{})
	task := parkedTask(t, f)

	err := f.life.ResolveReview(context.Background(), task.ID, domain.ReviewAction("redo"), "")
	require.Error(t, err)
	assert.True(t, loomerrors.IsConflict(err))
}
