package lifecycle

import (
	"context"
	"fmt"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
)

// ResolveCheckpoint applies a human verdict to an open checkpoint: retry
// restarts the task with a fresh retry budget and optional guidance, skip
// cancels it, fail fails it. The verdict is recorded on the checkpoint row.
func (l *Lifecycle) ResolveCheckpoint(ctx context.Context, checkpointID string, action domain.CheckpointAction, guidance string) error {
	if !domain.ValidCheckpointAction(string(action)) {
		return loomerrors.Conflict("Invalid checkpoint action: %s", action)
	}
	cp, err := l.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if cp.ResolvedAt != nil {
		return loomerrors.Conflict("Checkpoint already resolved")
	}

	switch action {
	case domain.CheckpointRetry:
		if guidance != "" {
			if err := l.store.AppendTaskContext(ctx, cp.TaskID, domain.ContextEntry{
				Type:    domain.ContextCheckpointGuidance,
				Content: guidance,
			}); err != nil {
				return err
			}
		}
		if err := l.store.CheckpointRetryTask(ctx, cp.TaskID); err != nil {
			return err
		}
	case domain.CheckpointSkip:
		if err := l.store.SetTaskStatus(ctx, cp.TaskID, domain.TaskCancelled); err != nil {
			return err
		}
	case domain.CheckpointFail:
		if err := l.store.SetTaskStatus(ctx, cp.TaskID, domain.TaskFailed); err != nil {
			return err
		}
	}

	response := fmt.Sprintf("Action: %s", action)
	if guidance != "" {
		response += fmt.Sprintf(" | Guidance: %s", guidance)
	}
	return l.store.ResolveCheckpoint(ctx, checkpointID, response)
}

// ResolveReview applies a human verdict to a needs_review task: approve
// accepts the stored output as-is, retry clears it for another attempt with
// optional feedback.
func (l *Lifecycle) ResolveReview(ctx context.Context, taskID string, action domain.ReviewAction, feedback string) error {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskNeedsReview {
		return loomerrors.Conflict("Task is not awaiting review")
	}

	switch action {
	case domain.ReviewApprove:
		return l.store.SetTaskStatus(ctx, taskID, domain.TaskCompleted)
	case domain.ReviewRetry:
		if feedback != "" {
			if err := l.store.AppendTaskContext(ctx, taskID, domain.ContextEntry{
				Type:    domain.ContextReviewFeedback,
				Content: feedback,
			}); err != nil {
				return err
			}
		}
		return l.store.ReviewRetryTask(ctx, taskID)
	default:
		return loomerrors.Conflict("Invalid review action: %s", action)
	}
}
