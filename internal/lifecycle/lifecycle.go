// Package lifecycle takes one claimed task through a full attempt: run it,
// record the outcome, verify the output when enabled, forward it to
// dependents, and decide between retry, checkpoint escalation, and permanent
// failure when the attempt goes wrong.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"loom/internal/agent"
	"loom/internal/budget"
	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/ids"
	"loom/internal/logging"
	"loom/internal/progress"
	"loom/internal/store"
	"loom/internal/verifier"
)

// Verifier judges a completed task's output.
type Verifier interface {
	Verify(ctx context.Context, task *domain.Task) (*verifier.Result, error)
}

// Config carries lifecycle settings.
type Config struct {
	// VerificationEnabled turns on the post-completion review pass for
	// paid-tier tasks.
	VerificationEnabled bool
	// CheckpointOnRetryExhaust escalates retry-exhausted tasks to a human
	// checkpoint instead of failing them outright.
	CheckpointOnRetryExhaust bool
	// ContextForwardMaxChars truncates outputs forwarded to dependents.
	ContextForwardMaxChars int
	Logger                 logging.Logger
}

// Lifecycle executes claimed tasks and settles their outcomes.
type Lifecycle struct {
	store      *store.Store
	budget     *budget.Manager
	bus        *progress.Bus
	remote     agent.Runner
	local      agent.Runner
	verifier   Verifier
	tracker    *Tracker
	verify     bool
	checkpoint bool
	forwardMax int
	logger     logging.Logger

	now    func() time.Time
	jitter func() float64
}

// New builds a Lifecycle. remote handles paid tiers, local handles the
// ollama tier; v may be nil when verification is disabled.
func New(s *store.Store, b *budget.Manager, bus *progress.Bus, remote, local agent.Runner, v Verifier, tracker *Tracker, cfg Config) *Lifecycle {
	forwardMax := cfg.ContextForwardMaxChars
	if forwardMax <= 0 {
		forwardMax = 2000
	}
	return &Lifecycle{
		store:      s,
		budget:     b,
		bus:        bus,
		remote:     remote,
		local:      local,
		verifier:   v,
		tracker:    tracker,
		verify:     cfg.VerificationEnabled,
		checkpoint: cfg.CheckpointOnRetryExhaust,
		forwardMax: forwardMax,
		logger:     logging.OrNop(cfg.Logger),
		now:        func() time.Time { return time.Now().UTC() },
		jitter:     rand.Float64,
	}
}

// Execute runs one dispatched task to a settled outcome. The caller has
// already claimed the task and taken a tracker slot; Execute releases the
// slot and any budget reservation on return, whatever happened in between.
func (l *Lifecycle) Execute(ctx context.Context, task *domain.Task, estimate float64) {
	defer func() {
		l.tracker.Done(task.ID)
		if estimate > 0 {
			l.budget.Release(task.ProjectID, estimate)
		}
	}()

	ok, err := l.store.MarkTaskRunning(ctx, task.ID)
	if err != nil {
		l.logger.Error("Could not mark task %s running: %v", task.ID, err)
		return
	}
	if !ok {
		l.logger.Debug("Task %s no longer queued, skipping run", task.ID)
		return
	}
	l.publish(ctx, task, domain.EventTaskStart, task.Title, nil)

	result, err := l.runner(task).Run(ctx, task, estimate)
	if err != nil {
		l.settleFailure(ctx, task, err)
		return
	}
	l.settleSuccess(ctx, task, result)
}

func (l *Lifecycle) runner(task *domain.Task) agent.Runner {
	if task.ModelTier == domain.TierOllama {
		return l.local
	}
	return l.remote
}

func (l *Lifecycle) settleSuccess(ctx context.Context, task *domain.Task, result *agent.Result) {
	l.tracker.ClearRetry(task.ID)
	if err := l.store.CompleteTask(ctx, task.ID, store.TaskResult{
		Output:           result.Output,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		CostUSD:          result.CostUSD,
		ModelUsed:        result.ModelUsed,
	}); err != nil {
		l.logger.Error("Could not record completion for task %s: %v", task.ID, err)
		return
	}
	task.OutputText = result.Output

	if l.verify && l.verifier != nil && task.ModelTier != domain.TierOllama {
		if settled := l.verifyOutput(ctx, task); settled {
			return
		}
	}

	l.publish(ctx, task, domain.EventTaskComplete, task.Title,
		map[string]any{"cost_usd": result.CostUSD})
	l.forwardOutput(ctx, task, result.Output)
}

// verifyOutput reviews the completed output. It returns true when the
// verdict took the task over (feedback retry or human review); false means
// the task stays completed and the normal completion flow continues.
func (l *Lifecycle) verifyOutput(ctx context.Context, task *domain.Task) bool {
	verdict, err := l.verifier.Verify(ctx, task)
	if err != nil {
		l.logger.Warn("Verification failed for task %s: %v", task.ID, err)
		l.recordVerdict(ctx, task.ID, domain.VerificationSkipped,
			fmt.Sprintf("Verification error: %v", err))
		return false
	}

	switch verdict.Status {
	case domain.VerificationGapsFound:
		if task.RetryCount < task.MaxRetries {
			l.recordVerdict(ctx, task.ID, domain.VerificationGapsFound, verdict.Notes)
			if err := l.store.AppendTaskContext(ctx, task.ID, domain.ContextEntry{
				Type:    domain.ContextVerificationFeedback,
				Content: fmt.Sprintf("Previous attempt had gaps: %s. Address these issues.", verdict.Notes),
			}); err != nil {
				l.logger.Error("Could not append verification feedback for task %s: %v", task.ID, err)
			}
			if err := l.store.ReviewRetryTask(ctx, task.ID); err != nil {
				l.logger.Error("Could not reset task %s for verification retry: %v", task.ID, err)
				return true
			}
			l.publish(ctx, task, domain.EventTaskVerificationRetry,
				fmt.Sprintf("%s: gaps found, retrying with feedback", task.Title),
				map[string]any{"verification_notes": verdict.Notes})
			return true
		}
		// Out of retries; the verdict is recorded but the work stands.
		l.recordVerdict(ctx, task.ID, domain.VerificationGapsFound, verdict.Notes)
		return false
	case domain.VerificationHumanNeeded:
		l.recordVerdict(ctx, task.ID, domain.VerificationHumanNeeded, verdict.Notes)
		if err := l.store.SetTaskStatus(ctx, task.ID, domain.TaskNeedsReview); err != nil {
			l.logger.Error("Could not move task %s to review: %v", task.ID, err)
		}
		l.publish(ctx, task, domain.EventTaskNeedsReview,
			fmt.Sprintf("%s: requires human review", task.Title), nil)
		return true
	default:
		l.recordVerdict(ctx, task.ID, domain.VerificationPassed, verdict.Notes)
		return false
	}
}

func (l *Lifecycle) recordVerdict(ctx context.Context, taskID string, status domain.VerificationStatus, notes string) {
	if err := l.store.SetTaskVerification(ctx, taskID, status, notes); err != nil {
		l.logger.Error("Could not record %s verdict for task %s: %v", status, taskID, err)
	}
}

func (l *Lifecycle) forwardOutput(ctx context.Context, task *domain.Task, output string) {
	if output == "" {
		return
	}
	successors, err := l.store.SuccessorIDs(ctx, task.ID)
	if err != nil {
		l.logger.Error("Could not load successors of task %s: %v", task.ID, err)
		return
	}
	entry := domain.ContextEntry{
		Type:            domain.ContextDependencyOutput,
		Content:         truncateRunes(output, l.forwardMax),
		SourceTaskID:    task.ID,
		SourceTaskTitle: task.Title,
	}
	for _, id := range successors {
		if err := l.store.AppendTaskContext(ctx, id, entry); err != nil {
			l.logger.Error("Could not forward output from task %s to %s: %v", task.ID, id, err)
		}
	}
}

func (l *Lifecycle) settleFailure(ctx context.Context, task *domain.Task, runErr error) {
	if interrupted(ctx, runErr) {
		l.logger.Debug("Task %s interrupted: %v", task.ID, runErr)
		return
	}

	transient := loomerrors.IsTransient(runErr)
	if transient && task.RetryCount < task.MaxRetries {
		delay := l.retryDelay(task.RetryCount)
		l.tracker.SetRetryAfter(task.ID, l.now().Add(delay))
		if err := l.store.ResetTaskForRetry(ctx, task.ID,
			fmt.Sprintf("Transient error (retry %d): %v", task.RetryCount+1, runErr)); err != nil {
			l.logger.Error("Could not reset task %s for retry: %v", task.ID, err)
			return
		}
		l.publish(ctx, task, domain.EventTaskRetry,
			fmt.Sprintf("%s: retrying in %.0fs (%v)", task.Title, delay.Seconds(), runErr), nil)
		return
	}

	msg := runErr.Error()
	if transient {
		msg = fmt.Sprintf("Max retries exceeded: %v", runErr)
		if l.checkpoint {
			l.escalate(ctx, task, msg)
			return
		}
	}
	if err := l.store.FailTask(ctx, task.ID, msg); err != nil {
		l.logger.Error("Could not fail task %s: %v", task.ID, err)
		return
	}
	l.publish(ctx, task, domain.EventTaskFailed, fmt.Sprintf("%s: %s", task.Title, msg), nil)
}

// escalate parks a retry-exhausted task in needs_review behind a checkpoint
// carrying its attempt history.
func (l *Lifecycle) escalate(ctx context.Context, task *domain.Task, msg string) {
	attempts, err := l.store.TaskAttempts(ctx, task.ID)
	if err != nil {
		l.logger.Error("Could not load attempt history for task %s: %v", task.ID, err)
	}
	if err := l.store.FailTask(ctx, task.ID, msg); err != nil {
		l.logger.Error("Could not fail task %s: %v", task.ID, err)
		return
	}
	if err := l.store.SetTaskStatus(ctx, task.ID, domain.TaskNeedsReview); err != nil {
		l.logger.Error("Could not move task %s to review: %v", task.ID, err)
		return
	}

	cp := &domain.Checkpoint{
		ID:             ids.NewCheckpointID(),
		ProjectID:      task.ProjectID,
		TaskID:         task.ID,
		CheckpointType: "retry_exhausted",
		Summary:        fmt.Sprintf("Task '%s' failed after %d attempts", task.Title, task.MaxRetries),
		Question:       "How should we proceed? Options: retry with modified approach, skip this task, or fail it.",
		Context:        domain.CheckpointContext{Attempts: attempts},
		CreatedAt:      l.now(),
	}
	if err := l.store.InsertCheckpoint(ctx, cp); err != nil {
		l.logger.Error("Could not create checkpoint for task %s: %v", task.ID, err)
		return
	}
	l.publish(ctx, task, domain.EventCheckpoint,
		fmt.Sprintf("Checkpoint: %s needs attention after %d failed attempts", task.Title, task.MaxRetries),
		map[string]any{"checkpoint_id": cp.ID})
}

// retryDelay is exponential backoff with jitter, capped at two minutes.
func (l *Lifecycle) retryDelay(retryCount int) time.Duration {
	if retryCount > 10 {
		retryCount = 10
	}
	delay := 5*math.Pow(2, float64(retryCount)) + l.jitter()*2
	if delay > 120 {
		delay = 120
	}
	return time.Duration(delay * float64(time.Second))
}

func (l *Lifecycle) publish(ctx context.Context, task *domain.Task, eventType, message string, data map[string]any) {
	if l.bus == nil {
		return
	}
	if _, err := l.bus.Publish(ctx, &domain.TaskEvent{
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		EventType: eventType,
		Message:   message,
		Data:      data,
		Timestamp: l.now(),
	}); err != nil {
		l.logger.Warn("Could not publish %s event for task %s: %v", eventType, task.ID, err)
	}
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
