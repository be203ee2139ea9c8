package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/store"
)

func (s *Server) listProjectTasks(c *gin.Context) {
	tasks, err := s.store.ListTasksByProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	ModelTier   *string `json:"model_tier"`
	Priority    *int    `json:"priority"`
	MaxTokens   *int    `json:"max_tokens"`
}

func (s *Server) updateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, err)
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if task.Status == domain.TaskRunning || task.Status == domain.TaskCompleted {
		badRequest(c, "Cannot edit a running or completed task")
		return
	}

	upd := store.TaskUpdate{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		MaxTokens:   req.MaxTokens,
	}
	if req.ModelTier != nil {
		tier := domain.ModelTier(*req.ModelTier)
		upd.ModelTier = &tier
	}
	if err := s.store.UpdateTaskMeta(ctx, id, upd); err != nil {
		s.fail(c, err)
		return
	}
	s.getTask(c)
}

func (s *Server) retryTask(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.retryOne(ctx, task); err != nil {
		s.fail(c, err)
		return
	}
	s.getTask(c)
}

// retryOne applies the manual-retry rules to one task.
func (s *Server) retryOne(ctx context.Context, task *domain.Task) error {
	if task.Status != domain.TaskFailed {
		return loomerrors.Conflict("Can only retry failed tasks")
	}
	if task.RetryCount >= task.MaxRetries {
		return loomerrors.Conflict("Maximum retry limit reached (%d)", task.MaxRetries)
	}
	return s.store.ManualRetryTask(ctx, task.ID)
}

func (s *Server) cancelTask(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.cancelOne(ctx, task); err != nil {
		s.fail(c, err)
		return
	}
	s.getTask(c)
}

// cancelOne cancels a task that has not started running yet.
func (s *Server) cancelOne(ctx context.Context, task *domain.Task) error {
	switch task.Status {
	case domain.TaskPending, domain.TaskBlocked, domain.TaskQueued:
		return s.store.SetTaskStatus(ctx, task.ID, domain.TaskCancelled)
	default:
		return loomerrors.Conflict("Cannot cancel task in '%s' state", task.Status)
	}
}

type reviewTaskRequest struct {
	Action   string `json:"action" binding:"required"`
	Feedback string `json:"feedback"`
}

func (s *Server) reviewTask(c *gin.Context) {
	var req reviewTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, err)
		return
	}
	action := domain.ReviewAction(req.Action)
	if err := s.life.ResolveReview(c.Request.Context(), c.Param("id"), action, req.Feedback); err != nil {
		s.fail(c, err)
		return
	}
	s.getTask(c)
}

type bulkTaskRequest struct {
	TaskIDs []string `json:"task_ids" binding:"required"`
	Action  string   `json:"action" binding:"required"`
}

type bulkTaskResult struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) bulkTaskAction(c *gin.Context) {
	var req bulkTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, err)
		return
	}
	if req.Action != "retry" && req.Action != "cancel" {
		badRequest(c, fmt.Sprintf("Invalid bulk action '%s'", req.Action))
		return
	}

	ctx := c.Request.Context()
	results := make([]bulkTaskResult, 0, len(req.TaskIDs))
	succeeded := 0
	for _, id := range req.TaskIDs {
		err := func() error {
			task, err := s.store.GetTask(ctx, id)
			if err != nil {
				return err
			}
			if req.Action == "retry" {
				return s.retryOne(ctx, task)
			}
			return s.cancelOne(ctx, task)
		}()
		result := bulkTaskResult{TaskID: id, Success: err == nil}
		if err != nil {
			result.Error = err.Error()
		} else {
			succeeded++
		}
		results = append(results, result)
	}

	c.JSON(http.StatusOK, gin.H{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}
