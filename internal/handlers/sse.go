package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/caldermay/pathforge-backend/internal/services"
	"github.com/caldermay/pathforge-backend/internal/sse"
)

type SSEHandler struct {
	hub  *sse.SSEHub
	jobs services.JobService
}

func NewSSEHandler(hub *sse.SSEHub, jobs services.JobService) *SSEHandler {
	return &SSEHandler{hub: hub, jobs: jobs}
}

// GET /api/jobs/:id/events
// Streams progress events for one build job. No replay: events emitted
// before the subscription are gone; the client polls /progress for current
// state first.
func (h *SSEHandler) JobEvents(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	if _, err := h.jobs.FindOne(c.Request.Context(), jobID); err != nil {
		RespondServiceError(c, "job_not_found", err)
		return
	}

	client := h.hub.NewSSEClient()
	h.hub.AddChannel(client, jobID.String())
	defer h.hub.CloseClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

// GET /api/paths/:id/events
// Streams classroom-generation events for one path.
func (h *SSEHandler) PathEvents(c *gin.Context) {
	pathID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_path_id", err)
		return
	}

	client := h.hub.NewSSEClient()
	h.hub.AddChannel(client, pathID.String())
	defer h.hub.CloseClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
