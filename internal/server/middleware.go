package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"loom/internal/ids"
	"loom/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// requestID tags every request with a sortable identifier, reusing the
// client's when it sends one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = ids.NewRequestID()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLogger writes one line per request. Streaming endpoints log on
// disconnect, which is when their handler returns.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		line := "%s %s -> %d in %s"
		args := []any{c.Request.Method, c.Request.URL.Path, status, elapsed.Round(time.Millisecond)}
		switch {
		case status >= 500:
			logger.Error(line, args...)
		case status >= 400:
			logger.Warn(line, args...)
		default:
			logger.Debug(line, args...)
		}
	}
}
