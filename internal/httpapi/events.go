package httpapi

import (
	"errors"
	"net/http"

	"agentcron/internal/task/progress"

	"github.com/gin-gonic/gin"
)

// events streams progress of one invocation as server-sent events. Each
// progress event is sent as "progress"; the stream ends with one "record"
// event carrying the record as it stands. A finished invocation gets only
// the "record" event.
func (h *handlers) events(c *gin.Context) {
	id := c.Param("id")
	rec, ok := h.Status.Record(id)
	if !ok {
		fail(c, http.StatusNotFound, "unknown_invocation", errors.New("unknown invocation: "+id))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if !rec.Terminal() && h.Progress != nil {
		seq, err := h.Progress.Events(c.Request.Context(), id)
		switch {
		case err == nil:
			// Subscribed: release the headers so clients know the stream is live.
			c.Status(http.StatusOK)
			c.Writer.WriteHeaderNow()
			c.Writer.Flush()
			for ev := range seq {
				c.SSEvent("progress", ev)
				c.Writer.Flush()
			}
		case !errors.Is(err, progress.ErrUnknownInvocation):
			fail(c, http.StatusInternalServerError, "internal", err)
			return
		}
		if c.Request.Context().Err() != nil {
			return
		}
		if latest, ok := h.Status.Record(id); ok {
			rec = latest
		}
	}
	c.SSEvent("record", rec)
	c.Writer.Flush()
}
