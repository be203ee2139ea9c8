package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"loom/internal/monitor"
)

// listResources returns the cached availability state; the background sweep
// keeps it fresh. POST /check is the force-probe path.
func (s *Server) listResources(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, []monitor.Resource{})
		return
	}
	c.JSON(http.StatusOK, s.monitor.Snapshot())
}

// checkResources re-probes every backend without waiting for the periodic
// sweep.
func (s *Server) checkResources(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, gin.H{"checked": 0, "resources": []monitor.Resource{}})
		return
	}
	s.monitor.RefreshAll(c.Request.Context())
	snapshot := s.monitor.Snapshot()
	c.JSON(http.StatusOK, gin.H{"checked": len(snapshot), "resources": snapshot})
}

func (s *Server) getResource(c *gin.Context) {
	id := c.Param("id")
	if s.monitor == nil {
		notFound(c, fmt.Sprintf("Resource %s not found", id))
		return
	}
	resource, err := s.monitor.Check(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resource)
}
