package domain

import (
	"strconv"
	"strings"

	"loom/internal/jsonx"
)

// PlanIndex is a task index inside a plan document. Planner models emit
// indices as numbers or digit strings; anything else parses as invalid and
// is skipped during decomposition rather than failing the whole plan.
type PlanIndex struct {
	Value int
	Valid bool
}

func (i *PlanIndex) UnmarshalJSON(data []byte) error {
	i.Valid = false
	if string(data) == "null" {
		// Unmarshaling null into an int is a no-op without error, so it
		// would otherwise read as a valid index 0.
		return nil
	}

	var n int
	if err := jsonx.Unmarshal(data, &n); err == nil {
		i.Value = n
		i.Valid = true
		return nil
	}

	var s string
	if err := jsonx.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if n, convErr := strconv.Atoi(s); convErr == nil && !strings.HasPrefix(s, "-") {
			i.Value = n
			i.Valid = true
		}
	}
	return nil
}

func (i PlanIndex) MarshalJSON() ([]byte, error) {
	return jsonx.Marshal(i.Value)
}

// PlanTask is one task definition inside a plan document.
type PlanTask struct {
	Title                string      `json:"title"`
	Description          string      `json:"description"`
	TaskType             string      `json:"task_type"`
	Complexity           string      `json:"complexity"`
	DependsOn            []PlanIndex `json:"depends_on"`
	ToolsNeeded          []string    `json:"tools_needed"`
	VerificationCriteria string      `json:"verification_criteria,omitempty"`
	AffectedFiles        []string    `json:"affected_files,omitempty"`
	RequirementIDs       []string    `json:"requirement_ids,omitempty"`
}

// PlanPhase groups tasks under a named phase. Task indices stay global
// across phases so dependencies can cross phase boundaries.
type PlanPhase struct {
	Name  string     `json:"name"`
	Tasks []PlanTask `json:"tasks"`
}

// PlanDocument is the parsed planner output. A document carries either a
// flat Tasks list or a Phases list, depending on planning rigor.
type PlanDocument struct {
	Summary       string      `json:"summary"`
	Tasks         []PlanTask  `json:"tasks,omitempty"`
	Phases        []PlanPhase `json:"phases,omitempty"`
	OpenQuestions []string    `json:"open_questions,omitempty"`
	Risks         []string    `json:"risks,omitempty"`
	TestStrategy  string      `json:"test_strategy,omitempty"`
}

// FlatTasks returns the document's tasks in global index order, with each
// task's phase name when the document is phased.
func (d *PlanDocument) FlatTasks() ([]PlanTask, []string) {
	if len(d.Phases) == 0 {
		phases := make([]string, len(d.Tasks))
		return d.Tasks, phases
	}
	var tasks []PlanTask
	var phases []string
	for _, phase := range d.Phases {
		for _, task := range phase.Tasks {
			tasks = append(tasks, task)
			phases = append(phases, phase.Name)
		}
	}
	return tasks, phases
}
