package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	loomerrors "loom/internal/errors"
)

// errorBody is the wire shape for every failure response.
type errorBody struct {
	Detail string `json:"detail"`
}

// fail maps a domain error onto an HTTP response. Internal errors are
// logged with their cause and answered with a generic message so driver
// and SQL details never reach the client.
func (s *Server) fail(c *gin.Context, err error) {
	status := loomerrors.HTTPStatus(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		detail = "internal server error"
	}
	c.AbortWithStatusJSON(status, errorBody{Detail: detail})
}

// failBind answers a malformed or invalid request body.
func (s *Server) failBind(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorBody{Detail: err.Error()})
}

func badRequest(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Detail: detail})
}

func notFound(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Detail: detail})
}
