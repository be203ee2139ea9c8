package domain

import (
	"time"

	"loom/internal/jsonx"
)

// Project is the root aggregate: free-form requirements plus everything the
// engine derived from them.
type Project struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Requirements string           `json:"requirements"`
	Status       ProjectStatus    `json:"status"`
	Rigor        PlanningRigor    `json:"planning_rigor"`
	Config       jsonx.RawMessage `json:"config,omitempty"`
	OwnerID      string           `json:"owner_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// Plan is one versioned planner output for a project.
type Plan struct {
	ID               string           `json:"id"`
	ProjectID        string           `json:"project_id"`
	Version          int              `json:"version"`
	Status           PlanStatus       `json:"status"`
	Summary          string           `json:"summary"`
	Document         jsonx.RawMessage `json:"plan"`
	ModelUsed        string           `json:"model_used"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	CostUSD          float64          `json:"cost_usd"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Task is one unit of work inside an approved plan.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	PlanID      string     `json:"plan_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        TaskType   `json:"task_type"`
	Complexity  Complexity `json:"complexity"`
	ModelTier   ModelTier  `json:"model_tier"`
	ModelUsed   string     `json:"model_used,omitempty"`
	Status      TaskStatus `json:"status"`

	// Scheduling
	Priority int    `json:"priority"`
	Wave     int    `json:"wave"`
	Phase    string `json:"phase,omitempty"`

	// Execution inputs
	Context      []ContextEntry `json:"context"`
	Tools        []string       `json:"tools"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	MaxTokens    int            `json:"max_tokens"`

	// Execution outputs
	OutputText       string   `json:"output_text,omitempty"`
	OutputArtifacts  []string `json:"output_artifacts,omitempty"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	CostUSD          float64  `json:"cost_usd"`

	// Retry and verification state
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	VerificationNotes  string             `json:"verification_notes,omitempty"`
	Error              string             `json:"error,omitempty"`

	// Traceability
	RequirementIDs []string `json:"requirement_ids,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Dependency is a directed edge: Task TaskID waits for DependsOn.
type Dependency struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
}

// UsageEntry is one recorded LLM spend.
type UsageEntry struct {
	ID               int64     `json:"id"`
	ProjectID        string    `json:"project_id,omitempty"`
	TaskID           string    `json:"task_id,omitempty"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Purpose          string    `json:"purpose"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

// BudgetPeriod aggregates spend for one calendar day or month. Period totals
// always equal the sum of their usage_log rows because both are written in
// the same transaction.
type BudgetPeriod struct {
	PeriodKey             string  `json:"period_key"`
	PeriodType            string  `json:"period_type"` // "daily" or "monthly"
	TotalCostUSD          float64 `json:"total_cost_usd"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	APICallCount          int64   `json:"api_call_count"`
}

// Attempt is one failed try recorded in a checkpoint's context.
type Attempt struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// CheckpointContext carries the failure history shown to the human.
type CheckpointContext struct {
	Attempts []Attempt `json:"attempts"`
}

// Checkpoint is a paused question awaiting a human verdict.
type Checkpoint struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	TaskID         string            `json:"task_id"`
	CheckpointType string            `json:"checkpoint_type"`
	Summary        string            `json:"summary"`
	Question       string            `json:"question"`
	Context        CheckpointContext `json:"context"`
	Response       string            `json:"response,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

// User is kept for schema layout parity; the engine runs single-operator.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// UserIdentity links a user to an external identity provider subject.
type UserIdentity struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}
