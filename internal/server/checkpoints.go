package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loom/internal/domain"
)

func (s *Server) listCheckpoints(c *gin.Context) {
	includeResolved := c.Query("resolved") == "true"
	checkpoints, err := s.store.ListCheckpoints(c.Request.Context(), c.Param("project_id"), includeResolved)
	if err != nil {
		s.fail(c, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []*domain.Checkpoint{}
	}
	c.JSON(http.StatusOK, checkpoints)
}

func (s *Server) getCheckpoint(c *gin.Context) {
	cp, err := s.store.GetCheckpoint(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

type resolveCheckpointRequest struct {
	Action   string `json:"action" binding:"required"`
	Guidance string `json:"guidance"`
}

func (s *Server) resolveCheckpoint(c *gin.Context) {
	var req resolveCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, err)
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	action := domain.CheckpointAction(req.Action)
	if err := s.life.ResolveCheckpoint(ctx, id, action, req.Guidance); err != nil {
		s.fail(c, err)
		return
	}
	s.getCheckpoint(c)
}
