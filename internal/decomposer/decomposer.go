// Package decomposer turns an approved-to-be plan document into executable
// task rows. Decomposition flattens the document, validates the dependency
// graph, assigns wave numbers, picks a model tier and tool set per task, and
// seeds each task with the context an agent needs to work standalone. All
// rows land in one transaction together with the plan approval and the
// project's move to ready; blocked marking runs as a separate write so
// readers never observe a half-seeded DAG.
package decomposer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/ids"
	"loom/internal/jsonx"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/store"
)

// taskInputEstimate is the prompt-token allowance assumed per task when
// projecting plan cost ahead of execution.
const taskInputEstimate = 1500

// siblingDigestChars caps each sibling description inside the digest entry.
const siblingDigestChars = 100

// Config carries decomposer settings.
type Config struct {
	// MaxTokens is the per-task completion cap written to each row.
	MaxTokens int
	// MaxRetries is the per-task transient retry allowance.
	MaxRetries int
	Logger     logging.Logger
}

// Decomposer expands plan documents into task DAGs.
type Decomposer struct {
	store      *store.Store
	router     *llm.Router
	maxTokens  int
	maxRetries int
	logger     logging.Logger
}

// New builds a Decomposer over the store and model router.
func New(s *store.Store, router *llm.Router, cfg Config) *Decomposer {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Decomposer{
		store:      s,
		router:     router,
		maxTokens:  maxTokens,
		maxRetries: maxRetries,
		logger:     logging.OrNop(cfg.Logger),
	}
}

// Result summarizes one decomposition.
type Result struct {
	TasksCreated     int      `json:"tasks_created"`
	TaskIDs          []string `json:"task_ids"`
	TotalWaves       int      `json:"total_waves"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd"`
	Summary          string   `json:"summary"`
}

// Decompose expands the plan into task rows, approves the plan, and moves
// the project to ready. The plan must be a draft belonging to the project
// and its dependency graph must be acyclic; nothing is written otherwise.
func (d *Decomposer) Decompose(ctx context.Context, projectID, planID string) (*Result, error) {
	plan, err := d.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.ProjectID != projectID {
		return nil, loomerrors.NotFound("Plan %s does not belong to project %s", planID, projectID)
	}
	if plan.Status != domain.PlanDraft {
		return nil, loomerrors.Conflict("Plan is already %s", plan.Status)
	}
	project, err := d.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var doc domain.PlanDocument
	if err := jsonx.Unmarshal(plan.Document, &doc); err != nil {
		return nil, loomerrors.Wrap(loomerrors.KindPlanParse, err, "plan %s document unreadable", planID)
	}
	planTasks, phases := doc.FlatTasks()
	if len(planTasks) == 0 {
		return nil, loomerrors.InvalidState("Plan has no tasks")
	}

	deps := resolveDeps(planTasks)
	if from, to, found := findCycle(deps); found {
		return nil, loomerrors.CycleDetected(
			"Dependency cycle detected: task %d ('%s') and task %d ('%s') form a cycle",
			from, titleOf(planTasks[from], from), to, titleOf(planTasks[to], to))
	}
	waves := waveNumbers(deps)

	requirements := requirementsBlock(project.Requirements)
	digests := siblingDigests(planTasks)

	now := time.Now().UTC()
	tasks := make([]*domain.Task, len(planTasks))
	estimated := 0.0
	for i, pt := range planTasks {
		taskType := domain.TaskType(pt.TaskType)
		if !domain.ValidTaskType(pt.TaskType) {
			taskType = domain.TypeCode
		}
		complexity := domain.Complexity(pt.Complexity)
		if !domain.ValidComplexity(pt.Complexity) {
			complexity = domain.ComplexityMedium
		}
		tier := llm.RecommendTier(taskType, complexity)
		tools := pt.ToolsNeeded
		if len(tools) == 0 {
			tools = llm.RecommendTools(taskType)
		}

		task := &domain.Task{
			ID:             ids.NewTaskID(),
			ProjectID:      projectID,
			PlanID:         planID,
			Title:          titleOf(pt, i),
			Description:    pt.Description,
			Type:           taskType,
			Complexity:     complexity,
			ModelTier:      tier,
			Status:         domain.TaskPending,
			Priority:       i * 10,
			Wave:           waves[i],
			Phase:          phases[i],
			Context:        taskContext(doc.Summary, requirements, digests[i], phases[i], pt),
			Tools:          tools,
			MaxTokens:      d.maxTokens,
			MaxRetries:     d.maxRetries,
			RequirementIDs: pt.RequirementIDs,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		tasks[i] = task
		estimated += d.router.EstimateCost(tier, taskInputEstimate, d.maxTokens)
	}

	err = d.store.Transaction(ctx, func(ctx context.Context) error {
		for _, task := range tasks {
			if err := d.store.InsertTask(ctx, task); err != nil {
				return err
			}
		}
		for i, ds := range deps {
			for _, dep := range ds {
				if err := d.store.AddDependency(ctx, tasks[i].ID, tasks[dep].ID); err != nil {
					return err
				}
			}
		}
		if err := d.store.SetPlanStatus(ctx, planID, domain.PlanApproved); err != nil {
			return err
		}
		return d.store.SetProjectStatus(ctx, projectID, domain.ProjectReady)
	})
	if err != nil {
		return nil, err
	}

	if _, err := d.store.MarkBlockedTasks(ctx, projectID); err != nil {
		d.logger.Error("Could not mark blocked tasks for project %s: %v", projectID, err)
	}

	taskIDs := make([]string, len(tasks))
	for i, task := range tasks {
		taskIDs[i] = task.ID
	}
	totalWaves := 0
	for _, w := range waves {
		if w+1 > totalWaves {
			totalWaves = w + 1
		}
	}
	d.logger.Info("Decomposed plan %s into %d tasks across %d waves (est $%.4f)",
		planID, len(tasks), totalWaves, estimated)

	return &Result{
		TasksCreated:     len(tasks),
		TaskIDs:          taskIDs,
		TotalWaves:       totalWaves,
		EstimatedCostUSD: round4(estimated),
		Summary:          doc.Summary,
	}, nil
}

func titleOf(pt domain.PlanTask, index int) string {
	if strings.TrimSpace(pt.Title) != "" {
		return pt.Title
	}
	return fmt.Sprintf("Task %d", index+1)
}

// resolveDeps maps each task's depends_on indices to in-range predecessor
// lists. Invalid, out-of-range, self, and duplicate references are dropped;
// a sloppy model loses an edge rather than the whole plan.
func resolveDeps(tasks []domain.PlanTask) [][]int {
	deps := make([][]int, len(tasks))
	for i, pt := range tasks {
		seen := make(map[int]bool)
		for _, idx := range pt.DependsOn {
			if !idx.Valid || idx.Value < 0 || idx.Value >= len(tasks) || idx.Value == i || seen[idx.Value] {
				continue
			}
			seen[idx.Value] = true
			deps[i] = append(deps[i], idx.Value)
		}
	}
	return deps
}

func requirementsBlock(requirements string) string {
	lines := domain.SplitRequirements(requirements)
	numbered := make([]string, len(lines))
	for i, line := range lines {
		numbered[i] = fmt.Sprintf("R%d. %s", i+1, line)
	}
	return strings.Join(numbered, "\n")
}

// siblingDigests renders, per task, the titles and truncated descriptions
// of every other task so agents know what work surrounds their own.
func siblingDigests(tasks []domain.PlanTask) []string {
	lines := make([]string, len(tasks))
	for i, pt := range tasks {
		desc := strings.TrimSpace(pt.Description)
		if runes := []rune(desc); len(runes) > siblingDigestChars {
			desc = string(runes[:siblingDigestChars]) + "..."
		}
		line := "- " + titleOf(pt, i)
		if desc != "" {
			line += ": " + desc
		}
		lines[i] = line
	}

	digests := make([]string, len(tasks))
	for i := range tasks {
		var others []string
		for j, line := range lines {
			if j != i {
				others = append(others, line)
			}
		}
		digests[i] = strings.Join(others, "\n")
	}
	return digests
}

func taskContext(summary, requirements, siblings, phase string, pt domain.PlanTask) []domain.ContextEntry {
	entries := []domain.ContextEntry{
		{Type: domain.ContextProjectSummary, Content: summary},
		{Type: domain.ContextProjectRequirements, Content: requirements},
		{Type: domain.ContextTaskDescription, Content: pt.Description},
	}
	if phase != "" {
		entries = append(entries, domain.ContextEntry{Type: domain.ContextPhase, Content: phase})
	}
	if siblings != "" {
		entries = append(entries, domain.ContextEntry{Type: domain.ContextSiblingTasks, Content: siblings})
	}
	if pt.VerificationCriteria != "" {
		entries = append(entries, domain.ContextEntry{
			Type: domain.ContextVerificationCriteria, Content: pt.VerificationCriteria,
		})
	}
	if len(pt.AffectedFiles) > 0 {
		entries = append(entries, domain.ContextEntry{
			Type: domain.ContextAffectedFiles, Content: strings.Join(pt.AffectedFiles, "\n"),
		})
	}
	return entries
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
