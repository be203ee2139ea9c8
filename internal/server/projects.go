package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"loom/internal/domain"
	"loom/internal/ids"
	"loom/internal/jsonx"
	"loom/internal/store"
)

// projectPayload is a project plus the task rollup the dashboard renders
// next to it.
type projectPayload struct {
	*domain.Project
	TaskSummary store.TaskSummary `json:"task_summary"`
}

type createProjectRequest struct {
	Name         string           `json:"name" binding:"required"`
	Requirements string           `json:"requirements" binding:"required"`
	Rigor        string           `json:"planning_rigor"`
	Config       jsonx.RawMessage `json:"config"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, err)
		return
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ID:           ids.NewProjectID(),
		Name:         req.Name,
		Requirements: req.Requirements,
		Status:       domain.ProjectDraft,
		Rigor:        domain.ParseRigor(req.Rigor),
		Config:       req.Config,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateProject(c.Request.Context(), project); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, projectPayload{Project: project})
}

func (s *Server) listProjects(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	ctx := c.Request.Context()
	projects, err := s.store.ListProjects(ctx, c.Query("status"), limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}

	projectIDs := make([]string, len(projects))
	for i, p := range projects {
		projectIDs[i] = p.ID
	}
	summaries, err := s.store.TaskSummaries(ctx, projectIDs)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]projectPayload, len(projects))
	for i, p := range projects {
		out[i] = projectPayload{Project: p, TaskSummary: summaries[p.ID]}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getProject(c *gin.Context) {
	ctx := c.Request.Context()
	project, err := s.store.GetProject(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	summaries, err := s.store.TaskSummaries(ctx, []string{project.ID})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, projectPayload{Project: project, TaskSummary: summaries[project.ID]})
}

type updateProjectRequest struct {
	Name         *string           `json:"name"`
	Requirements *string           `json:"requirements"`
	Rigor        *string           `json:"planning_rigor"`
	Config       *jsonx.RawMessage `json:"config"`
}

func (s *Server) updateProject(c *gin.Context) {
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, err)
		return
	}

	upd := store.ProjectUpdate{
		Name:         req.Name,
		Requirements: req.Requirements,
		Config:       req.Config,
	}
	if req.Rigor != nil {
		rigor := domain.ParseRigor(*req.Rigor)
		upd.Rigor = &rigor
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.store.UpdateProjectMeta(ctx, id, upd); err != nil {
		s.fail(c, err)
		return
	}
	s.getProject(c)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.store.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) generatePlan(c *gin.Context) {
	result, err := s.planner.GeneratePlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listPlans(c *gin.Context) {
	plans, err := s.store.ListPlans(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if plans == nil {
		plans = []*domain.Plan{}
	}
	c.JSON(http.StatusOK, plans)
}

func (s *Server) approvePlan(c *gin.Context) {
	result, err := s.decomposer.Decompose(c.Request.Context(), c.Param("id"), c.Param("plan_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) executeProject(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if project.Status != domain.ProjectReady && project.Status != domain.ProjectPaused {
		badRequest(c, fmt.Sprintf("Project must be in 'ready' or 'paused' state, got '%s'", project.Status))
		return
	}
	if err := s.store.SetProjectStatus(ctx, id, domain.ProjectExecuting); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "executing", "project_id": id})
}

func (s *Server) pauseProject(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if project.Status != domain.ProjectExecuting {
		badRequest(c, "Project is not executing")
		return
	}
	if err := s.store.SetProjectStatus(ctx, id, domain.ProjectPaused); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused", "project_id": id})
}

func (s *Server) cancelProject(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.store.GetProject(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	cancelled, err := s.store.CancelWaitingTasks(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.CompleteProject(ctx, id, domain.ProjectCancelled); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "cancelled",
		"project_id":      id,
		"tasks_cancelled": cancelled,
	})
}

func (s *Server) cloneProject(c *gin.Context) {
	ctx := c.Request.Context()
	clone, err := s.store.CloneProject(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	summaries, err := s.store.TaskSummaries(ctx, []string{clone.ID})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, projectPayload{Project: clone, TaskSummary: summaries[clone.ID]})
}

// projectExport is a complete dump of one project, suitable for archival
// or for importing elsewhere.
type projectExport struct {
	Project     *domain.Project      `json:"project"`
	Plans       []*domain.Plan       `json:"plans"`
	Tasks       []*domain.Task       `json:"tasks"`
	Events      []*domain.TaskEvent  `json:"events"`
	Checkpoints []*domain.Checkpoint `json:"checkpoints"`
	Usage       []*domain.UsageEntry `json:"usage"`
	ExportedAt  time.Time            `json:"exported_at"`
}

func (s *Server) exportProject(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	export := projectExport{Project: project, ExportedAt: time.Now().UTC()}
	if export.Plans, err = s.store.ListPlans(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	if export.Tasks, err = s.store.ListTasksByProject(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	if export.Events, err = s.store.EventsAfter(ctx, id, 0); err != nil {
		s.fail(c, err)
		return
	}
	if export.Checkpoints, err = s.store.ListCheckpoints(ctx, id, true); err != nil {
		s.fail(c, err)
		return
	}
	if export.Usage, err = s.store.ListUsageByProject(ctx, id); err != nil {
		s.fail(c, err)
		return
	}

	if export.Plans == nil {
		export.Plans = []*domain.Plan{}
	}
	if export.Tasks == nil {
		export.Tasks = []*domain.Task{}
	}
	if export.Events == nil {
		export.Events = []*domain.TaskEvent{}
	}
	if export.Checkpoints == nil {
		export.Checkpoints = []*domain.Checkpoint{}
	}
	if export.Usage == nil {
		export.Usage = []*domain.UsageEntry{}
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=project-%s-export.json", id))
	c.JSON(http.StatusOK, export)
}

// requirementCoverage reports which requirement lines have at least one
// task claiming them.
type requirementCoverage struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Covered bool     `json:"covered"`
	TaskIDs []string `json:"task_ids"`
}

func (s *Server) projectCoverage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	tasks, err := s.store.ListTasksByProject(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	byRequirement := map[string][]string{}
	for _, task := range tasks {
		for _, reqID := range task.RequirementIDs {
			byRequirement[reqID] = append(byRequirement[reqID], task.ID)
		}
	}

	lines := domain.SplitRequirements(project.Requirements)
	requirements := make([]requirementCoverage, len(lines))
	covered := 0
	for i, text := range lines {
		reqID := fmt.Sprintf("R%d", i+1)
		taskIDs := byRequirement[reqID]
		if taskIDs == nil {
			taskIDs = []string{}
		}
		requirements[i] = requirementCoverage{
			ID:      reqID,
			Text:    text,
			Covered: len(taskIDs) > 0,
			TaskIDs: taskIDs,
		}
		if len(taskIDs) > 0 {
			covered++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":         id,
		"total_requirements": len(lines),
		"covered_count":      covered,
		"uncovered_count":    len(lines) - covered,
		"requirements":       requirements,
	})
}

// intQuery parses an integer query parameter, falling back to def when
// absent or malformed.
func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
