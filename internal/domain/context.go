package domain

// Context entry types. Entries are ordered; agents render them into the
// system prompt in insertion order.
const (
	ContextProjectSummary       = "project_summary"
	ContextProjectRequirements  = "project_requirements"
	ContextTaskDescription      = "task_description"
	ContextPhase                = "phase"
	ContextSiblingTasks         = "sibling_tasks"
	ContextVerificationCriteria = "verification_criteria"
	ContextAffectedFiles        = "affected_files"
	ContextDependencyOutput     = "dependency_output"
	ContextVerificationFeedback = "verification_feedback"
	ContextReviewFeedback       = "review_feedback"
	ContextCheckpointGuidance   = "checkpoint_guidance"
)

// ContextEntry is one typed block of task context. Dependency outputs carry
// their source task so agents can attribute forwarded results.
type ContextEntry struct {
	Type            string `json:"type"`
	Content         string `json:"content"`
	SourceTaskID    string `json:"source_task_id,omitempty"`
	SourceTaskTitle string `json:"source_task_title,omitempty"`
}
