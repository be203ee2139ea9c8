package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"loom/internal/domain"
	"loom/internal/jsonx"
)

// streamEvents serves a project's progress as server-sent events. A client
// that reconnects with Last-Event-ID (or ?after_id=) gets the persisted
// events it missed before the live stream resumes. The stream closes itself
// after a terminal project event.
func (s *Server) streamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		s.fail(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		s.fail(c, fmt.Errorf("response writer does not support streaming"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(projectID)
	defer sub.Close()

	lastSent := resumeAfter(c)
	missed, err := s.bus.Replay(ctx, projectID, lastSent)
	if err != nil {
		s.logger.Error("Event replay for project %s failed: %v", projectID, err)
		return
	}
	for _, event := range missed {
		if err := writeSSE(c.Writer, event); err != nil {
			return
		}
		lastSent = event.ID
		if domain.TerminalEvent(event.EventType) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval.Std())
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			// Replay may have already covered events published while
			// we were catching up.
			if event.ID <= lastSent {
				continue
			}
			if err := writeSSE(c.Writer, event); err != nil {
				return
			}
			lastSent = event.ID
			flusher.Flush()
			if domain.TerminalEvent(event.EventType) {
				return
			}
		}
	}
}

// resumeAfter picks the replay cursor: the SSE Last-Event-ID header wins,
// then the after_id query parameter, else zero for the full history.
func resumeAfter(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func writeSSE(w http.ResponseWriter, event *domain.TaskEvent) error {
	data, err := jsonx.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.EventType, data)
	return err
}

// streamEventsWS mirrors the SSE stream over a websocket for clients that
// cannot hold an EventSource open.
func (s *Server) streamEventsWS(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		s.fail(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade for project %s failed: %v", projectID, err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(projectID)
	defer sub.Close()

	lastSent := resumeAfter(c)
	missed, err := s.bus.Replay(ctx, projectID, lastSent)
	if err != nil {
		s.logger.Error("Event replay for project %s failed: %v", projectID, err)
		return
	}
	for _, event := range missed {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		lastSent = event.ID
		if domain.TerminalEvent(event.EventType) {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval.Std())
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-keepalive.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if event.ID <= lastSent {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			lastSent = event.ID
			if domain.TerminalEvent(event.EventType) {
				return
			}
		}
	}
}

// eventHistory returns the most recent persisted events in chronological
// order.
func (s *Server) eventHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 200)
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	events, err := s.store.ListEvents(c.Request.Context(), c.Param("project_id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if events == nil {
		events = []*domain.TaskEvent{}
	}
	c.JSON(http.StatusOK, events)
}
