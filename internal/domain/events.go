package domain

import "time"

// Progress event types pushed through the bus. The stream for a project
// closes after EventProjectComplete or EventProjectFailed.
const (
	EventTaskStart             = "task_start"
	EventTaskComplete          = "task_complete"
	EventTaskRetry             = "task_retry"
	EventTaskFailed            = "task_failed"
	EventTaskNeedsReview       = "task_needs_review"
	EventTaskVerificationRetry = "task_verification_retry"
	EventToolCall              = "tool_call"
	EventCheckpoint            = "checkpoint"
	EventBudgetWarning         = "budget_warning"
	EventWaveCheckpoint        = "wave_checkpoint"
	EventProjectComplete       = "project_complete"
	EventProjectFailed         = "project_failed"
)

// TerminalEvent reports whether eventType ends a project's progress stream.
func TerminalEvent(eventType string) bool {
	return eventType == EventProjectComplete || eventType == EventProjectFailed
}

// TaskEvent is one persisted progress record.
type TaskEvent struct {
	ID        int64          `json:"id"`
	ProjectID string         `json:"project_id"`
	TaskID    string         `json:"task_id,omitempty"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
