// Package domain defines the orchestration entities shared by every engine
// component: projects, plans, tasks, dependencies, budget records, progress
// events, and checkpoints.
package domain

import "strings"

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectDraft     ProjectStatus = "draft"
	ProjectPlanning  ProjectStatus = "planning"
	ProjectReady     ProjectStatus = "ready"
	ProjectExecuting ProjectStatus = "executing"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s ProjectStatus) IsTerminal() bool {
	switch s {
	case ProjectCompleted, ProjectFailed, ProjectCancelled:
		return true
	default:
		return false
	}
}

// PlanStatus represents the lifecycle state of a plan version.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanApproved   PlanStatus = "approved"
	PlanSuperseded PlanStatus = "superseded"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskBlocked     TaskStatus = "blocked"
	TaskQueued      TaskStatus = "queued"
	TaskRunning     TaskStatus = "running"
	TaskCompleted   TaskStatus = "completed"
	TaskNeedsReview TaskStatus = "needs_review"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state. needs_review is
// terminal until a human resolves it.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskNeedsReview, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ReleasesWave reports whether the status stops holding its wave back.
// needs_review keeps the wave open so dependents wait for the human verdict.
func (s TaskStatus) ReleasesWave() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskType categorizes what kind of work a task performs.
type TaskType string

const (
	TypeCode          TaskType = "code"
	TypeResearch      TaskType = "research"
	TypeAnalysis      TaskType = "analysis"
	TypeAsset         TaskType = "asset"
	TypeIntegration   TaskType = "integration"
	TypeDocumentation TaskType = "documentation"
)

// ValidTaskType reports whether s names a known task type.
func ValidTaskType(s string) bool {
	switch TaskType(s) {
	case TypeCode, TypeResearch, TypeAnalysis, TypeAsset, TypeIntegration, TypeDocumentation:
		return true
	default:
		return false
	}
}

// Complexity grades how demanding a task is expected to be.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ValidComplexity reports whether s names a known complexity grade.
func ValidComplexity(s string) bool {
	switch Complexity(s) {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return true
	default:
		return false
	}
}

// ModelTier selects which class of model executes a task.
type ModelTier string

const (
	TierOpus   ModelTier = "opus"
	TierSonnet ModelTier = "sonnet"
	TierHaiku  ModelTier = "haiku"
	TierOllama ModelTier = "ollama"
)

// IsPaid reports whether the tier bills per token.
func (t ModelTier) IsPaid() bool {
	return t != TierOllama
}

// ValidModelTier reports whether s names a known tier.
func ValidModelTier(s string) bool {
	switch ModelTier(s) {
	case TierOpus, TierSonnet, TierHaiku, TierOllama:
		return true
	default:
		return false
	}
}

// VerificationStatus records the outcome of the output verification pass.
type VerificationStatus string

const (
	VerificationPassed      VerificationStatus = "passed"
	VerificationGapsFound   VerificationStatus = "gaps_found"
	VerificationHumanNeeded VerificationStatus = "human_needed"
	VerificationSkipped     VerificationStatus = "skipped"
)

// PlanningRigor selects how thorough plan generation should be.
type PlanningRigor string

const (
	// RigorFast produces a flat task list with minimal analysis.
	RigorFast PlanningRigor = "L1"
	// RigorBalanced groups tasks into phases and lists open questions.
	RigorBalanced PlanningRigor = "L2"
	// RigorThorough adds risk notes and a test strategy per phase.
	RigorThorough PlanningRigor = "L3"
)

// ParseRigor normalizes a rigor string, defaulting to RigorBalanced.
func ParseRigor(s string) PlanningRigor {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L1":
		return RigorFast
	case "L3":
		return RigorThorough
	default:
		return RigorBalanced
	}
}

// ResourceStatus describes the availability of an execution backend.
type ResourceStatus string

const (
	ResourceOnline   ResourceStatus = "online"
	ResourceOffline  ResourceStatus = "offline"
	ResourceDegraded ResourceStatus = "degraded"
	ResourceChecking ResourceStatus = "checking"
)

// CheckpointAction is a human's verdict on a paused checkpoint.
type CheckpointAction string

const (
	CheckpointRetry CheckpointAction = "retry"
	CheckpointSkip  CheckpointAction = "skip"
	CheckpointFail  CheckpointAction = "fail"
)

// ValidCheckpointAction reports whether s names a known resolution action.
func ValidCheckpointAction(s string) bool {
	switch CheckpointAction(s) {
	case CheckpointRetry, CheckpointSkip, CheckpointFail:
		return true
	default:
		return false
	}
}

// ReviewAction is a human's verdict on a needs_review task.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewRetry   ReviewAction = "retry"
)
