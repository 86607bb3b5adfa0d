package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"medcompress/orchestrator"

	"github.com/gin-gonic/gin"
)

// sseWrite emits one SSE frame, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleEvents streams every compression lifecycle event to the client.
func (h *Handler) handleEvents(c *gin.Context) {
	h.streamEvents(c, orchestrator.AllJobs, false)
}

// handleJobEvents streams one job's events and closes after its terminal
// event.
func (h *Handler) handleJobEvents(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing compression id"})
		return
	}
	h.streamEvents(c, id, true)
}

func (h *Handler) streamEvents(c *gin.Context, key string, closeOnTerminal bool) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	bus := h.orch.Events()
	ch := bus.Subscribe(key)
	defer bus.Unsubscribe(key, ch)

	ctx := c.Request.Context()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			sendKeepAlive(w)
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			sseWrite(w, string(event.Type), string(payload))

			if closeOnTerminal && terminalEvent(event.Type) {
				return
			}
		}
	}
}

func terminalEvent(t orchestrator.EventType) bool {
	return t == orchestrator.EventCompleted ||
		t == orchestrator.EventError ||
		t == orchestrator.EventCancelled
}
