package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain"
)

func (h *harness) publishEvent(t *testing.T, projectID, eventType, message string) int64 {
	t.Helper()
	id, err := h.bus.Publish(context.Background(), &domain.TaskEvent{
		ProjectID: projectID,
		EventType: eventType,
		Message:   message,
	})
	require.NoError(t, err)
	return id
}

func TestEventHistory(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	h.publishEvent(t, "p1", domain.EventTaskStart, "first")
	h.publishEvent(t, "p1", domain.EventTaskComplete, "second")

	w := h.do(t, http.MethodGet, "/api/events/p1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0]["message"])
	assert.Equal(t, "second", list[1]["message"])

	w = h.do(t, http.MethodGet, "/api/events/p1/history?limit=1", nil)
	list = decode[[]map[string]any](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0]["message"])
}

func TestStreamEventsMissingProject(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/events/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamEventsReplaysUntilTerminal(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	h.publishEvent(t, "p1", domain.EventTaskStart, "warming up")
	h.publishEvent(t, "p1", domain.EventTaskComplete, "task done")
	h.publishEvent(t, "p1", domain.EventProjectComplete, "all done")

	w := h.do(t, http.MethodGet, "/api/events/p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	assert.Contains(t, body, "id: 1\n")
	assert.Contains(t, body, "event: task_start\n")
	assert.Contains(t, body, "event: task_complete\n")
	assert.Contains(t, body, "event: project_complete\n")
	assert.Contains(t, body, `"message":"all done"`)
}

func TestStreamEventsResumesAfterLastEventID(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	firstID := h.publishEvent(t, "p1", domain.EventTaskStart, "before the drop")
	h.publishEvent(t, "p1", domain.EventTaskComplete, "after the drop")
	h.publishEvent(t, "p1", domain.EventProjectComplete, "all done")

	req := httptest.NewRequest(http.MethodGet, "/api/events/p1", nil)
	req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", firstID))
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	assert.NotContains(t, body, "before the drop")
	assert.Contains(t, body, "after the drop")
	assert.Contains(t, body, "event: project_complete\n")
}

func TestStreamEventsDeliversLivePublishes(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for h.bus.SubscriberCount("p1") == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		h.publishEvent(t, "p1", domain.EventTaskComplete, "live one")
		h.publishEvent(t, "p1", domain.EventProjectComplete, "live done")
	}()

	w := h.do(t, http.MethodGet, "/api/events/p1", nil)
	wg.Wait()
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "live one")
	assert.Contains(t, body, "event: project_complete\n")
	assert.Equal(t, 0, h.bus.SubscriberCount("p1"))
}

func TestStreamEventsWebsocket(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "p1")
	h.publishEvent(t, "p1", domain.EventTaskComplete, "from history")
	h.publishEvent(t, "p1", domain.EventProjectComplete, "stream over")

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/p1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var first domain.TaskEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "from history", first.Message)

	var second domain.TaskEvent
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, domain.EventProjectComplete, second.EventType)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var extra domain.TaskEvent
	assert.Error(t, conn.ReadJSON(&extra))
}
